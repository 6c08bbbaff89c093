package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// Browser-extension signers (polkadot-js) wrap the payload before signing it.
var (
	bytesWrapOpen  = []byte("<Bytes>")
	bytesWrapClose = []byte("</Bytes>")
)

// sr25519SigningContext is the schnorrkel context substrate signs messages under.
var sr25519SigningContext = []byte("substrate")

// Sign produces a signature over msg. sr25519 signatures are randomized 64-byte schnorrkel
// signatures; ECDSA signatures are 65-byte recoverable signatures over blake2b-256(msg).
func Sign(kp *Keypair, msg []byte) ([]byte, error) {
	if kp == nil {
		return nil, fmt.Errorf("crypto: nil keypair")
	}
	switch kp.Scheme {
	case SchemeEd25519:
		if kp.ed == nil {
			return nil, fmt.Errorf("crypto: keypair has no ed25519 private key")
		}
		return ed25519.Sign(kp.ed, msg), nil
	case SchemeSr25519:
		if kp.sr == nil {
			return nil, fmt.Errorf("crypto: keypair has no sr25519 private key")
		}
		sig, err := kp.sr.Sign(schnorrkel.NewSigningContext(sr25519SigningContext, msg))
		if err != nil {
			return nil, fmt.Errorf("sr25519 sign: %w", err)
		}
		encoded := sig.Encode()
		return encoded[:], nil
	case SchemeECDSA:
		if kp.ecdsa == nil {
			return nil, fmt.Errorf("crypto: keypair has no secp256k1 private key")
		}
		digest := blake2b.Sum256(msg)
		return crypto.Sign(digest[:], kp.ecdsa)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCrypto, kp.Scheme)
	}
}

// Verify checks sig over msg. When the plain message does not verify, the message is
// retried wrapped in <Bytes>...</Bytes>. The error is non-nil only for unsupported schemes.
func Verify(pub []byte, scheme Scheme, msg, sig []byte) (bool, error) {
	var verifyFn func(pub, msg, sig []byte) bool
	switch scheme {
	case SchemeEd25519:
		verifyFn = verifyEd25519
	case SchemeSr25519:
		verifyFn = verifySr25519
	case SchemeECDSA:
		verifyFn = verifyECDSA
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedCrypto, scheme)
	}
	if verifyFn(pub, msg, sig) {
		return true, nil
	}
	wrapped := make([]byte, 0, len(bytesWrapOpen)+len(msg)+len(bytesWrapClose))
	wrapped = append(wrapped, bytesWrapOpen...)
	wrapped = append(wrapped, msg...)
	wrapped = append(wrapped, bytesWrapClose...)
	return verifyFn(pub, wrapped, sig), nil
}

func verifyEd25519(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func verifySr25519(pub, msg, sig []byte) bool {
	if len(pub) != 32 || len(sig) != 64 {
		return false
	}
	var rawKey [32]byte
	copy(rawKey[:], pub)
	key := new(schnorrkel.PublicKey)
	if err := key.Decode(rawKey); err != nil {
		return false
	}
	var rawSig [64]byte
	copy(rawSig[:], sig)
	signature := new(schnorrkel.Signature)
	if err := signature.Decode(rawSig); err != nil {
		return false
	}
	ok, err := key.Verify(signature, schnorrkel.NewSigningContext(sr25519SigningContext, msg))
	return err == nil && ok
}

func verifyECDSA(pub, msg, sig []byte) bool {
	key, err := parseSecp256k1(pub)
	if err != nil {
		return false
	}
	compressed := crypto.CompressPubkey(key)
	digest := blake2b.Sum256(msg)
	switch len(sig) {
	case 64:
		return crypto.VerifySignature(compressed, digest[:], sig)
	case 65:
		normalized := append([]byte(nil), sig...)
		if normalized[64] >= 27 {
			normalized[64] -= 27
		}
		recovered, err := crypto.SigToPub(digest[:], normalized)
		if err != nil {
			return false
		}
		if !bytes.Equal(crypto.CompressPubkey(recovered), compressed) {
			return false
		}
		return crypto.VerifySignature(compressed, digest[:], normalized[:64])
	default:
		return false
	}
}

func parseSecp256k1(pub []byte) (*ecdsa.PublicKey, error) {
	switch len(pub) {
	case 33:
		return crypto.DecompressPubkey(pub)
	case 65:
		return crypto.UnmarshalPubkey(pub)
	default:
		return nil, fmt.Errorf("secp256k1 public key must be 33 or 65 bytes, got %d", len(pub))
	}
}
