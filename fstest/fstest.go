// Package fstest provides small helpers for tests that need a real
// on-disk export root, the local analogue of the teacher's fstest package
// (which spins up remotes for integration tests against every backend;
// TNFS only ever has one local backend, so this is trimmed to just that).
package fstest

import (
	"os"
	"testing"
)

// TempRoot creates a fresh temporary directory to use as a TNFS export
// root and returns it along with a cleanup func. Callers should defer the
// cleanup immediately.
func TempRoot(t *testing.T) (root string, cleanup func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "tnfsd-test-*")
	if err != nil {
		t.Fatalf("fstest: %v", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }
}
