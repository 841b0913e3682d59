// Package idgen produces the identifiers used across the engine: drift
// report ids, scan ids and bridge session ids. All are UUIDv7 so they sort
// by creation time.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator ("<prefix>1", "<prefix>2", ...)
// for tests.
func Sequence(prefix string) Generator {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

var (
	// Report identifies drift ledger rows.
	Report = Prefixed("drf_", UUIDv7())
	// Scan identifies one engine scan in logs.
	Scan = Prefixed("scn_", UUIDv7())
	// Session identifies a bridge tab session.
	Session = Prefixed("ses_", UUIDv7())
	// Command tags one routed command call.
	Command = Prefixed("cmd_", UUIDv7())
)

// Valid reports whether s, stripped of a known prefix, is a UUID.
func Valid(s string) error {
	for _, p := range []string{"drf_", "scn_", "ses_", "cmd_"} {
		if len(s) > len(p) && s[:len(p)] == p {
			s = s[len(p):]
			break
		}
	}
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("idgen: invalid id: %w", err)
	}
	return nil
}
