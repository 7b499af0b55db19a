package utils

import "github.com/rs/zerolog"

// BestEffort runs a side operation whose failure must never propagate to the
// caller: the error is logged at Warn and swallowed. Use it only for
// operations the caller has no correctness stake in (server-side logout
// notification, restore-counter bumps), never for caller-initiated work.
func BestEffort(log zerolog.Logger, name string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("operation", name).Msg("best-effort operation failed")
	}
}
