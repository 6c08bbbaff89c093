package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, scheme := range []Scheme{SchemeEd25519, SchemeSr25519, SchemeECDSA} {
		kp, err := GenerateKeypair(scheme)
		require.NoError(t, err)
		path := filepath.Join(dir, scheme.String()+".json")
		require.NoError(t, SaveKeyFile(path, kp))

		loaded, err := LoadKeyFile(path)
		require.NoError(t, err)
		require.Equal(t, kp.Scheme, loaded.Scheme)
		require.True(t, bytes.Equal(kp.Public, loaded.Public))
		require.Equal(t, kp.Identity(), loaded.Identity())
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair(SchemeECDSA)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "module.keystore")
	require.NoError(t, SaveToKeystore(path, kp, "correct horse"))

	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, kp.Identity(), loaded.Identity())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)

	edKey, err := GenerateKeypair(SchemeEd25519)
	require.NoError(t, err)
	require.Error(t, SaveToKeystore(path, edKey, "pw"))
}

func TestLoadCommuneSr25519KeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice.json")
	data := `{
  "crypto_type": 1,
  "seed_hex": "0xe5be9a5092b81bca64be81d212e7f2f9eba183bb7a90954f7b76361f6edb5c0a",
  "derive_path": null,
  "path": "alice",
  "public_key": "0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d",
  "ss58_format": 42,
  "ss58_address": "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
  "private_key": "",
  "mnemonic": ""
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	kp, err := LoadKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, SchemeSr25519, kp.Scheme)
	require.Equal(t, Identity("5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"), kp.Identity())

	sig, err := kp.Sign([]byte("hello"))
	require.NoError(t, err)
	ok, err := Verify(kp.Public, SchemeSr25519, []byte("hello"), sig)
	require.NoError(t, err)
	require.True(t, ok)
}
