package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/ethereum/go-ethereum/crypto"
)

// Scheme identifies the signature algorithm of a keypair. The numeric values follow the
// substrate KeypairType numbering carried in the X-Crypto header.
type Scheme int

const (
	SchemeEd25519 Scheme = 0
	SchemeSr25519 Scheme = 1
	SchemeECDSA   Scheme = 2
)

// ErrUnsupportedCrypto is returned when a keypair or header declares a scheme this package
// cannot sign or verify with.
var ErrUnsupportedCrypto = errors.New("crypto: unsupported crypto type")

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeSr25519:
		return "sr25519"
	case SchemeECDSA:
		return "ecdsa"
	default:
		return "scheme(" + strconv.Itoa(int(s)) + ")"
	}
}

// Supported reports whether Sign and Verify are implemented for the scheme.
func (s Scheme) Supported() bool {
	return s == SchemeEd25519 || s == SchemeSr25519 || s == SchemeECDSA
}

// ParseScheme decodes the integer tag used on the wire.
func ParseScheme(raw string) (Scheme, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid crypto type %q: %w", raw, err)
	}
	return Scheme(v), nil
}

// Keypair couples a public key with its private half and declared scheme.
// The private key never leaves the process that loaded it.
type Keypair struct {
	Scheme Scheme
	Public []byte

	ed    ed25519.PrivateKey
	sr    *schnorrkel.SecretKey
	srRaw []byte
	ecdsa *ecdsa.PrivateKey
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair(scheme Scheme) (*Keypair, error) {
	switch scheme {
	case SchemeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &Keypair{Scheme: scheme, Public: pub, ed: priv}, nil
	case SchemeSr25519:
		seed := make([]byte, sr25519SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		return KeypairFromSeed(scheme, seed)
	case SchemeECDSA:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		return keypairFromECDSA(key), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCrypto, scheme)
	}
}

// KeypairFromSeed rebuilds a keypair from its secret material: a 32-byte ed25519 seed, a
// 32-byte sr25519 mini secret key (expanded the way substrate does) or a 32-byte secp256k1
// scalar.
func KeypairFromSeed(scheme Scheme, seed []byte) (*Keypair, error) {
	switch scheme {
	case SchemeEd25519:
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Keypair{Scheme: scheme, Public: priv.Public().(ed25519.PublicKey), ed: priv}, nil
	case SchemeSr25519:
		return sr25519FromSeed(seed)
	case SchemeECDSA:
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			return nil, fmt.Errorf("decode secp256k1 key: %w", err)
		}
		return keypairFromECDSA(key), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCrypto, scheme)
	}
}

const sr25519SeedSize = 32

func sr25519FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != sr25519SeedSize {
		return nil, fmt.Errorf("sr25519 seed must be %d bytes, got %d", sr25519SeedSize, len(seed))
	}
	var raw [sr25519SeedSize]byte
	copy(raw[:], seed)
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("decode sr25519 seed: %w", err)
	}
	secret := mini.ExpandEd25519()
	pub, err := secret.Public()
	if err != nil {
		return nil, fmt.Errorf("derive sr25519 public key: %w", err)
	}
	encoded := pub.Encode()
	return &Keypair{
		Scheme: SchemeSr25519,
		Public: encoded[:],
		sr:     secret,
		srRaw:  append([]byte(nil), seed...),
	}, nil
}

func keypairFromECDSA(key *ecdsa.PrivateKey) *Keypair {
	return &Keypair{
		Scheme: SchemeECDSA,
		Public: crypto.CompressPubkey(&key.PublicKey),
		ecdsa:  key,
	}
}

// Seed returns the secret material accepted by KeypairFromSeed.
func (k *Keypair) Seed() []byte {
	switch {
	case k.ed != nil:
		return append([]byte(nil), k.ed.Seed()...)
	case k.sr != nil:
		return append([]byte(nil), k.srRaw...)
	case k.ecdsa != nil:
		return crypto.FromECDSA(k.ecdsa)
	default:
		return nil
	}
}

// Identity returns the SS58 address of the keypair under the default network prefix.
func (k *Keypair) Identity() Identity {
	id, err := IdentityFromPublicKey(k.Public, DefaultSS58Format)
	if err != nil {
		// Public keys produced by this package always have a valid length.
		panic(err)
	}
	return id
}

// Sign signs msg with the keypair's scheme.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	return Sign(k, msg)
}
