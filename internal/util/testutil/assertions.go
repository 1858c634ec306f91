package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireEventually polls condition until it holds, failing the test
// after 10s. Used for state that settles after a background goroutine
// runs (dispatch fan-out, disconnect cleanup).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}
