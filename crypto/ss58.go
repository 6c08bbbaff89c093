package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// DefaultSS58Format is the generic substrate network prefix used by commune addresses.
const DefaultSS58Format uint8 = 42

const (
	accountIDLength = 32
	checksumLength  = 2
)

var (
	ss58Prefix = []byte("SS58PRE")

	// ErrInvalidIdentity reports an address that fails to decode or checksum.
	ErrInvalidIdentity = errors.New("crypto: invalid ss58 address")
)

// Identity is an SS58-encoded chain address. It is derived from a public key and used as
// the caller identity in access lists, caches and rate-limiter keys.
type Identity string

func (id Identity) String() string { return string(id) }

// IdentityFromPublicKey derives the SS58 address for a public key. 32-byte keys (ed25519,
// sr25519) are the account id themselves; secp256k1 keys are hashed with blake2b-256 over
// their compressed encoding.
func IdentityFromPublicKey(pub []byte, format uint8) (Identity, error) {
	accountID, err := accountIDFor(pub)
	if err != nil {
		return "", err
	}
	return encodeSS58(accountID, format)
}

// ParseIdentity validates an SS58 string and returns it as an Identity.
func ParseIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if _, _, err := decodeSS58(trimmed); err != nil {
		return "", err
	}
	return Identity(trimmed), nil
}

// AccountID returns the raw 32-byte account id behind the address.
func (id Identity) AccountID() ([]byte, error) {
	_, accountID, err := decodeSS58(string(id))
	return accountID, err
}

func accountIDFor(pub []byte) ([]byte, error) {
	switch len(pub) {
	case accountIDLength:
		return append([]byte(nil), pub...), nil
	case 33, 65:
		key, err := parseSecp256k1(pub)
		if err != nil {
			return nil, err
		}
		sum := blake2b.Sum256(crypto.CompressPubkey(key))
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: unexpected public key length %d", ErrInvalidIdentity, len(pub))
	}
}

func encodeSS58(accountID []byte, format uint8) (Identity, error) {
	if format >= 64 {
		return "", fmt.Errorf("%w: two-byte ss58 prefixes are not supported", ErrInvalidIdentity)
	}
	payload := make([]byte, 0, 1+len(accountID)+checksumLength)
	payload = append(payload, format)
	payload = append(payload, accountID...)
	sum := ss58Checksum(payload)
	payload = append(payload, sum[:checksumLength]...)
	return Identity(base58.Encode(payload)), nil
}

func decodeSS58(raw string) (uint8, []byte, error) {
	if raw == "" {
		return 0, nil, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	decoded := base58.Decode(raw)
	if len(decoded) != 1+accountIDLength+checksumLength {
		return 0, nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidIdentity, len(decoded))
	}
	format := decoded[0]
	if format >= 64 {
		return 0, nil, fmt.Errorf("%w: unsupported prefix %d", ErrInvalidIdentity, format)
	}
	body := decoded[:1+accountIDLength]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:checksumLength], decoded[1+accountIDLength:]) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidIdentity)
	}
	return format, append([]byte(nil), decoded[1:1+accountIDLength]...), nil
}

func ss58Checksum(payload []byte) [blake2b.Size]byte {
	buf := make([]byte, 0, len(ss58Prefix)+len(payload))
	buf = append(buf, ss58Prefix...)
	buf = append(buf, payload...)
	return blake2b.Sum512(buf)
}
