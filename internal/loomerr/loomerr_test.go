package loomerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := New(CodePoolTimeout, "no slot for %q", "engineer")
	require.Equal(t, CodePoolTimeout, CodeOf(err))
	require.Contains(t, err.Error(), "pool.timeout")
	require.Contains(t, err.Error(), "engineer")

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, CodePoolTimeout, CodeOf(wrapped))
	require.True(t, HasCode(wrapped, CodePoolTimeout))
	require.False(t, HasCode(wrapped, CodeStoreIO))

	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeStoreIO, cause, "saving session")

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
	require.Contains(t, err.Error(), "saving session")
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeLockHeld, "held by pid 1")
	b := New(CodeLockHeld, "held by pid 2")
	require.ErrorIs(t, a, b)
}
