package realtime

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	os.Setenv("HC_JWT_SECRET", "realtime-test-secret-at-least-32-chars")
	os.Exit(m.Run())
}
