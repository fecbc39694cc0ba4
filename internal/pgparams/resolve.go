package pgparams

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgservicefile"
)

// envParams maps PG* environment variables to the connection parameter they
// stand in for. Environment values never overwrite a parameter that is
// already set from the connection string or a service block.
var envParams = [...][2]string{
	{"PGHOST", "host"},
	{"PGPORT", "port"},
	{"PGDATABASE", "dbname"},
	{"PGUSER", "user"},
	{"PGOPTIONS", "options"},
	{"PGAPPNAME", "application_name"},
	{"PGCONNECT_TIMEOUT", "connect_timeout"},
}

// Resolve builds a Descriptor from an optional connection string.
//
// Merge order (highest precedence first): the connection string itself, the
// service block it names (or $PGSERVICE), then PG* environment variables.
// A connection string of the form "service=NAME rest..." selects the block
// NAME from the service file; the remainder of the string overrides the
// block's fields. When no password is resolved, the passfile is consulted.
func Resolve(connString string) (*Descriptor, error) {
	d := &Descriptor{}

	connString = strings.TrimSpace(connString)

	service := ""
	if rest, ok := strings.CutPrefix(connString, "service="); ok {
		name, tail, _ := strings.Cut(rest, " ")
		if name == "" {
			return nil, ErrMissingServiceName
		}
		service = name
		connString = strings.TrimSpace(tail)
	} else if s := os.Getenv("PGSERVICE"); s != "" {
		service = s
	}

	if connString != "" {
		if err := applyConnString(d, connString); err != nil {
			return nil, err
		}
	}
	if service != "" {
		if err := applyService(d, service); err != nil {
			return nil, err
		}
	}
	if err := applyEnvironment(d); err != nil {
		return nil, err
	}

	if d.Password == "" {
		if err := applyPassfile(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// applyConnString parses either a keyword/value string or a postgres:// URL
// and sets the resulting parameters on the descriptor.
func applyConnString(d *Descriptor, s string) error {
	var (
		pairs []param
		err   error
	)
	if strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://") {
		pairs, err = parseURLSettings(s)
	} else {
		pairs, err = parseKeywordSettings(s)
	}
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := setParameter(d, p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

// applyService looks up the named service block. The user service file
// ($PGSERVICEFILE, else ~/.pg_service.conf) is searched first, then the
// system file ($PGSYSCONFDIR/pg_service.conf).
func applyService(d *Descriptor, name string) error {
	found := false
	for _, path := range serviceFilePaths() {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %s", ErrServiceFileNotFound, path)
		}
		sf, err := pgservicefile.ReadServicefile(path)
		if err != nil {
			return fmt.Errorf("read service file %s: %w", path, err)
		}
		svc, err := sf.GetService(name)
		if err != nil {
			continue
		}
		// Deterministic iteration keeps "last writer wins" keys stable.
		for _, k := range sortedKeys(svc.Settings) {
			if err := setParameter(d, k, svc.Settings[k]); err != nil {
				return err
			}
		}
		found = true
		break
	}
	if !found {
		return &ServiceNotFoundError{Name: name}
	}
	return nil
}

// serviceFilePaths returns the candidate service file locations in search
// order. Paths for unset environment variables are omitted.
func serviceFilePaths() []string {
	var paths []string
	if p := os.Getenv("PGSERVICEFILE"); p != "" {
		paths = append(paths, p)
	} else if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".pg_service.conf"))
	}
	if dir := os.Getenv("PGSYSCONFDIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, "pg_service.conf"))
	}
	return paths
}

func applyEnvironment(d *Descriptor) error {
	for _, kv := range envParams {
		if v := os.Getenv(kv[0]); v != "" {
			if err := setParameter(d, kv[1], v); err != nil {
				return err
			}
		}
	}
	return nil
}

// setParameter applies one connection parameter. Identity parameters (host,
// port, user, dbname, ...) keep the first value they were given, so lower
// precedence sources cannot overwrite them. TLS and keepalive parameters
// are always overwritten: a service block has the last word on them.
func setParameter(d *Descriptor, k, v string) error {
	switch k {
	case "host", "hostaddr":
		if len(d.Hosts) == 0 {
			d.Hosts = strings.Split(v, ",")
		}
	case "port":
		if len(d.Ports) == 0 {
			for _, part := range strings.Split(v, ",") {
				n, err := strconv.ParseUint(part, 10, 16)
				if err != nil {
					return fmt.Errorf("%w: found %q", ErrInvalidPort, v)
				}
				d.Ports = append(d.Ports, uint16(n))
			}
		}
	case "dbname":
		if d.Database == "" {
			d.Database = v
		}
	case "user":
		if d.User == "" {
			d.User = v
		}
	case "password":
		if d.Password == "" {
			d.Password = v
		}
	case "options":
		if d.Options == "" {
			d.Options = v
		}
	case "application_name":
		if d.ApplicationName == "" {
			d.ApplicationName = v
		}
	case "connect_timeout":
		if d.ConnectTimeout == 0 {
			secs, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: found %q", ErrInvalidConnectTimeout, v)
			}
			d.ConnectTimeout = time.Duration(secs) * time.Second
		}
	case "sslmode":
		mode, err := parseSSLMode(v)
		if err != nil {
			return err
		}
		d.SSLMode = mode
	case "channel_binding":
		cb, err := parseChannelBinding(v)
		if err != nil {
			return err
		}
		d.ChannelBinding = cb
	case "keepalives":
		switch v {
		case "1":
			on := true
			d.Keepalives = &on
		case "0":
			off := false
			d.Keepalives = &off
		default:
			return fmt.Errorf("%w: found %q", ErrInvalidKeepalives, v)
		}
	case "keepalives_idle":
		secs, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: found %q", ErrInvalidKeepalivesIdle, v)
		}
		d.KeepalivesIdle = time.Duration(secs) * time.Second
	}
	// Unknown keys are ignored, as libpq-only extensions frequently are.
	return nil
}

// param is one key=value pair from a connection string.
type param struct {
	key   string
	value string
}

// parseKeywordSettings splits a libpq keyword/value connection string.
// Values may be single-quoted and use backslash escapes.
func parseKeywordSettings(s string) ([]param, error) {
	var pairs []param
	r := []rune(s)
	i := 0

	skipSpace := func() {
		for i < len(r) && unicode.IsSpace(r[i]) {
			i++
		}
	}

	for {
		skipSpace()
		if i >= len(r) {
			return pairs, nil
		}

		start := i
		for i < len(r) && r[i] != '=' && !unicode.IsSpace(r[i]) {
			i++
		}
		key := string(r[start:i])
		skipSpace()
		if i >= len(r) || r[i] != '=' {
			return nil, fmt.Errorf("connection string: missing '=' after %q", key)
		}
		i++ // consume '='
		skipSpace()

		var (
			val    strings.Builder
			quoted bool
			closed bool
		)
		if i < len(r) && r[i] == '\'' {
			quoted = true
			i++
		}
		for i < len(r) {
			c := r[i]
			if quoted && c == '\'' {
				i++
				closed = true
				break
			}
			if !quoted && unicode.IsSpace(c) {
				break
			}
			if c == '\\' {
				i++
				if i >= len(r) {
					return nil, fmt.Errorf("connection string: trailing backslash in value for %q", key)
				}
				c = r[i]
			}
			val.WriteRune(c)
			i++
		}
		if quoted && !closed {
			return nil, fmt.Errorf("connection string: unterminated quote in value for %q", key)
		}
		pairs = append(pairs, param{key: key, value: val.String()})
	}
}

// parseURLSettings converts a postgres:// URL into keyword/value pairs.
// Multiple comma-separated host:port entries are supported.
func parseURLSettings(s string) ([]param, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("connection string: %w", err)
	}

	var pairs []param

	if u.User != nil {
		if name := u.User.Username(); name != "" {
			pairs = append(pairs, param{"user", name})
		}
		if pw, ok := u.User.Password(); ok {
			pairs = append(pairs, param{"password", pw})
		}
	}

	if u.Host != "" {
		var hosts, ports []string
		for _, hp := range strings.Split(u.Host, ",") {
			if h, p, err := splitHostPort(hp); err == nil && p != "" {
				hosts = append(hosts, h)
				ports = append(ports, p)
			} else {
				hosts = append(hosts, hp)
			}
		}
		pairs = append(pairs, param{"host", strings.Join(hosts, ",")})
		if len(ports) > 0 {
			pairs = append(pairs, param{"port", strings.Join(ports, ",")})
		}
	}

	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		pairs = append(pairs, param{"dbname", db})
	}

	for _, k := range sortedKeys(flattenQuery(u.Query())) {
		pairs = append(pairs, param{k, u.Query().Get(k)})
	}
	return pairs, nil
}

// splitHostPort separates "host:port", leaving IPv6 literals intact.
func splitHostPort(hp string) (host, port string, err error) {
	if strings.HasPrefix(hp, "[") {
		end := strings.LastIndex(hp, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unmatched '[' in host %q", hp)
		}
		host = hp[1:end]
		if rest := hp[end+1:]; strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
		return host, port, nil
	}
	if i := strings.LastIndex(hp, ":"); i >= 0 {
		return hp[:i], hp[i+1:], nil
	}
	return hp, "", nil
}

func flattenQuery(q url.Values) map[string]string {
	m := make(map[string]string, len(q))
	for k := range q {
		m[k] = q.Get(k)
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
