package testlogger

import (
	"os"
	"testing"

	"github.com/drand/tally/common/log"
)

// Level returns debug when TALLY_TEST_LOGS=DEBUG is set, info otherwise.
func Level(t testing.TB) int {
	if v, ok := os.LookupEnv("TALLY_TEST_LOGS"); ok && v == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		return log.DebugLevel
	}
	return log.InfoLevel
}

// New returns a logger tagged with the running test name.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).With("testName", t.Name())
}
