package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKind(t *testing.T) {
	cause := errors.New("bucket missing")
	err := Wrap(NotFound, "lookup_docid(a.md)", cause)

	require.True(t, errors.Is(err, NotFound))
	require.True(t, errors.Is(err, cause))
	require.False(t, errors.Is(err, IO))
	require.Contains(t, err.Error(), "bucket missing")
}

func TestWrapWithoutCause(t *testing.T) {
	err := Wrap(Denied, "readonly session", nil)
	require.True(t, errors.Is(err, Denied))
	require.Equal(t, "readonly session", err.Error())
}
