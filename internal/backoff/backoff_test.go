package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := New(100*time.Millisecond, time.Second)

	require.Equal(t, 100*time.Millisecond, b.Next())
	require.Equal(t, 200*time.Millisecond, b.Next())
	require.Equal(t, 400*time.Millisecond, b.Next())
	require.Equal(t, 800*time.Millisecond, b.Next())
	require.Equal(t, time.Second, b.Next()) // capped
	require.Equal(t, time.Second, b.Next()) // stays capped
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := New(50*time.Millisecond, time.Second)
	b.Next()
	b.Next()
	b.Reset()
	require.Equal(t, 50*time.Millisecond, b.Next())
}
