// Package testutil starts throwaway backing services for integration tests.
package testutil

import "testing"

// skipIfUnavailable skips t when the container for name could not be started,
// typically because no Docker daemon is reachable.
func skipIfUnavailable(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", name, err)
	}
}
