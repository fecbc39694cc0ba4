package dispatch

// ChanID is the position of a channel binding in the dispatcher's binding
// array. It is the routing key between dispatcher and broadcaster.
type ChanID int

// Values is a read-mostly container of ChanIDs with one inline slot. Most
// notifications match exactly one channel, so the common case allocates
// nothing; larger match sets spill to a heap slice.
type Values struct {
	one  [1]ChanID
	many []ChanID
	n    int
}

// Append adds an id to the set.
func (v *Values) Append(id ChanID) {
	switch {
	case v.n == 0:
		v.one[0] = id
	case v.n == 1:
		v.many = append(make([]ChanID, 0, 2), v.one[0], id)
	default:
		v.many = append(v.many, id)
	}
	v.n++
}

// Slice exposes the ids as a read-only slice. Callers must not mutate it.
func (v *Values) Slice() []ChanID {
	if v.n <= 1 {
		return v.one[:v.n]
	}
	return v.many
}

// IsEmpty reports whether the set holds no ids.
func (v *Values) IsEmpty() bool {
	return v.n == 0
}

// Len returns the number of ids in the set.
func (v *Values) Len() int {
	return v.n
}
