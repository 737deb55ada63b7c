package mega

import (
	"io"

	"github.com/rs/zerolog"
)

// newLogger builds a component-scoped logger the way
// cuemby/warren's pkg/log wires zerolog: one Logger per owning value
// (never a single binary-wide global, since two sessions in the same
// process are independent per spec §5), with a component field set on
// every child logger.
//
// A nil writer means "no logging" rather than falling back to a
// default output: the core is a library, and a library that writes to
// os.Stderr by default surprises embedders. Callers that want console
// output pass WithLogger(os.Stderr) explicitly.
func newLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		return zerolog.Nop()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func componentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
