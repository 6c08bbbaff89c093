package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// KeyFile mirrors the JSON key dictionary written by the classic commune tooling.
type KeyFile struct {
	CryptoType  int     `json:"crypto_type"`
	SeedHex     string  `json:"seed_hex"`
	DerivePath  *string `json:"derive_path"`
	Path        string  `json:"path"`
	PublicKey   string  `json:"public_key"`
	SS58Format  int     `json:"ss58_format"`
	SS58Address string  `json:"ss58_address"`
	PrivateKey  string  `json:"private_key"`
	Mnemonic    string  `json:"mnemonic"`
}

// LoadKeyFile reads a commune JSON key file and rebuilds the keypair from its seed. The
// stored public key and address must agree with the derived ones.
func LoadKeyFile(path string) (*Keypair, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var file KeyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	scheme := Scheme(file.CryptoType)
	if !scheme.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCrypto, scheme)
	}
	seedHex := file.SeedHex
	if seedHex == "" {
		seedHex = file.PrivateKey
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key seed: %w", err)
	}
	kp, err := KeypairFromSeed(scheme, seed)
	if err != nil {
		return nil, err
	}
	if file.PublicKey != "" && !strings.EqualFold(strings.TrimPrefix(file.PublicKey, "0x"), hex.EncodeToString(kp.Public)) {
		return nil, fmt.Errorf("crypto: key file %s public key does not match its seed", path)
	}
	if file.SS58Address != "" && Identity(file.SS58Address) != kp.Identity() {
		return nil, fmt.Errorf("crypto: key file %s address does not match its seed", path)
	}
	return kp, nil
}

// SaveKeyFile writes kp as a commune JSON key file readable only by the owner.
func SaveKeyFile(path string, kp *Keypair) error {
	if kp == nil {
		return errors.New("crypto: nil keypair")
	}
	seed := hex.EncodeToString(kp.Seed())
	file := KeyFile{
		CryptoType:  int(kp.Scheme),
		SeedHex:     seed,
		Path:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		PublicKey:   hex.EncodeToString(kp.Public),
		SS58Format:  int(DefaultSS58Format),
		SS58Address: kp.Identity().String(),
		PrivateKey:  seed,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// SaveToKeystore writes an ECDSA keypair to an Ethereum v3 keystore file at the given path.
func SaveToKeystore(path string, kp *Keypair, passphrase string) error {
	if kp == nil || kp.ecdsa == nil {
		return errors.New("crypto: keystore export requires an ecdsa keypair")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(kp.ecdsa, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file into an ECDSA keypair.
func LoadFromKeystore(path, passphrase string) (*Keypair, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return keypairFromECDSA(decrypted.PrivateKey), nil
}
