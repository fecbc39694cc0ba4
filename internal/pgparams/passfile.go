package pgparams

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgpassfile"
)

// passfilePath returns the passfile location: $PGPASSFILE, else ~/.pgpass.
// An empty string means there is no candidate path.
func passfilePath() string {
	if p := os.Getenv("PGPASSFILE"); p != "" {
		return p
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".pgpass")
	}
	return ""
}

// applyPassfile fills in the descriptor password from the passfile, matching
// entries field-wise on host, port, dbname and user with "*" wildcards.
//
// A passfile that exists with mode bits other than 0600 is rejected; a
// missing passfile is not an error.
func applyPassfile(d *Descriptor) error {
	path := passfilePath()
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat passfile %s: %w", path, err)
	}
	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("%w: %s has mode %04o", ErrInvalidPassfileMode, path, info.Mode().Perm())
	}

	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return fmt.Errorf("read passfile %s: %w", path, err)
	}

	for i, host := range d.Hosts {
		port := strconv.Itoa(int(d.portOrDefault(i)))
		if pw := pf.FindPassword(host, port, d.Database, d.User); pw != "" {
			d.Password = pw
			return nil
		}
	}
	return nil
}
