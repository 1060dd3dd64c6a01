package utils

import (
	"os"
	"testing"
)

const IntegrationEnv = "CHUNKMETA_INTEGRATION"

// SkipUnlessIntegration skips tests that need docker or a cluster.
func SkipUnlessIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("set %s to run integration tests", IntegrationEnv)
	}
}
