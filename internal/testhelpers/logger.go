package testhelpers

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger routes global zerolog output through the test logger for the
// duration of a test.
func SetupLogger(t *testing.T) {
	t.Helper()

	original := log.Logger
	t.Cleanup(func() { log.Logger = original })

	log.Logger = zerolog.New(zerolog.NewTestWriter(t))
	zerolog.DefaultContextLogger = &log.Logger
}
