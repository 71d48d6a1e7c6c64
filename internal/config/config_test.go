package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/stretchr/testify/require"
)

func TestLoadParametersMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadParameters(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultParameters(), p)
}

func TestLoadParametersOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parameters.json")
	raw, err := json.Marshal(map[string]any{"gc_depth": 10, "batch_size": 1000})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	p, err := LoadParameters(path)
	require.NoError(t, err)

	require.EqualValues(t, 10, p.GCDepth)
	require.EqualValues(t, 1000, p.BatchSize)
	require.Equal(t, DefaultParameters().MaxHeaderDelay, p.MaxHeaderDelay)
}

func TestLoadParametersEmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadParameters("")
	require.NoError(t, err)
	require.Equal(t, DefaultParameters(), p)
}

func TestLoadKeypairRoundTrip(t *testing.T) {
	kp, err := ncrypto.GenerateKeypair()
	require.NoError(t, err)

	raw, err := json.Marshal(kp)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "keypair.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)

	signer, err := ncrypto.LoadSigner(loaded)
	require.NoError(t, err)
	require.Equal(t, kp.Name, ncrypto.HexField(signer.Identity().Bytes()))
}
