package store

import (
	"errors"
	"path/filepath"
	"testing"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("a serialised batch")
	d := ncrypto.H(payload)

	require.NoError(t, s.Put(d, payload))

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetMissReturnsErrNotFound(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ncrypto.H([]byte("nope")))
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("batch contents")
	d := ncrypto.H(payload)

	require.NoError(t, s.Put(d, payload))
	require.NoError(t, s.Put(d, payload))

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDeleteRemovesEntry(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("to be gc'd")
	d := ncrypto.H(payload)
	require.NoError(t, s.Put(d, payload))
	require.NoError(t, s.Delete(d))

	_, err = s.Get(d)
	require.True(t, errors.Is(err, ErrNotFound))
}
