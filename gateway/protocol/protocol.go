// Package protocol builds and decodes the signed request bodies exchanged between module
// clients and module servers.
//
// A current-protocol request carries the timestamp inside the signed JSON body:
//
//	{"params":{...,"target_key":"<callee>"},"timestamp":"<iso-8601>"}
//
// A legacy request sends only {"params":{...}} and carries the timestamp in X-Timestamp;
// its signature covers the sent bytes with `, "timestamp": "<ts>"` appended inside the
// top-level object, so the server splices the header back in before verifying.
package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/renlabs-dev/communex/crypto"
)

const (
	HeaderSignature = "X-Signature"
	HeaderKey       = "X-Key"
	HeaderCrypto    = "X-Crypto"
	HeaderTimestamp = "X-Timestamp"

	// TargetKeyParam is injected into every params map before signing.
	TargetKeyParam = "target_key"

	// MethodPrefix is the namespace every network-callable method is mounted under.
	MethodPrefix = "/method/"
)

// Body is the canonical request document. Params values are kept as raw JSON so that
// re-encoding a decoded body reproduces the signed bytes exactly.
type Body struct {
	Params    map[string]json.RawMessage `json:"params"`
	Timestamp string                     `json:"timestamp,omitempty"`
}

// SignedRequest is the output of BuildRequest: the bytes to send and the headers to send
// them with.
type SignedRequest struct {
	Body      []byte
	Headers   http.Header
	Timestamp string
	Signature []byte
}

// MethodPath returns the HTTP path of a registered method.
func MethodPath(name string) string {
	return MethodPrefix + name
}

// BuildRequest signs params for target using the current protocol.
func BuildRequest(kp *crypto.Keypair, target crypto.Identity, params map[string]any) (*SignedRequest, error) {
	return build(kp, target, params, time.Now(), false)
}

// BuildLegacyRequest signs params for target using the legacy protocol, where the wire
// body omits the timestamp.
func BuildLegacyRequest(kp *crypto.Keypair, target crypto.Identity, params map[string]any) (*SignedRequest, error) {
	return build(kp, target, params, time.Now(), true)
}

func build(kp *crypto.Keypair, target crypto.Identity, params map[string]any, now time.Time, legacy bool) (*SignedRequest, error) {
	if kp == nil {
		return nil, fmt.Errorf("protocol: nil keypair")
	}
	body, err := newBody(params, target)
	if err != nil {
		return nil, err
	}
	unstamped, err := Serialize(body)
	if err != nil {
		return nil, err
	}
	body.Timestamp = FormatTimestamp(now)
	stamped, err := Serialize(body)
	if err != nil {
		return nil, err
	}
	wire, signed := stamped, stamped
	if legacy {
		wire = unstamped
		if signed, err = StampLegacyBody(unstamped, body.Timestamp); err != nil {
			return nil, err
		}
	}
	sig, err := crypto.Sign(kp, signed)
	if err != nil {
		return nil, err
	}
	return &SignedRequest{
		Body:      wire,
		Headers:   Headers(kp, sig, body.Timestamp),
		Timestamp: body.Timestamp,
		Signature: sig,
	}, nil
}

func newBody(params map[string]any, target crypto.Identity) (Body, error) {
	raw := make(map[string]json.RawMessage, len(params)+1)
	for key, value := range params {
		if key == TargetKeyParam {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return Body{}, fmt.Errorf("encode param %s: %w", key, err)
		}
		raw[key] = encoded
	}
	encodedTarget, err := json.Marshal(target.String())
	if err != nil {
		return Body{}, err
	}
	raw[TargetKeyParam] = encodedTarget
	return Body{Params: raw}, nil
}

// Serialize renders a Body canonically: sorted keys, compact separators.
func Serialize(body Body) ([]byte, error) {
	if body.Params == nil {
		body.Params = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("serialize body: %w", err)
	}
	return data, nil
}

// Decode parses a request body.
func Decode(data []byte) (Body, error) {
	var body Body
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&body); err != nil {
		return Body{}, fmt.Errorf("decode body: %w", err)
	}
	return body, nil
}

// StampLegacyBody reproduces the bytes a legacy client signed. The received bytes are kept
// as they are and `, "timestamp": "<ts>"` is inserted before the closing brace of the
// top-level object, which is what a client serializing with ", " and ": " separators
// produces when it adds the timestamp key last.
func StampLegacyBody(data []byte, timestamp string) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("legacy body is not a JSON object")
	}
	quoted, err := json.Marshal(timestamp)
	if err != nil {
		return nil, err
	}
	head := bytes.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")
	out := make([]byte, 0, len(head)+len(quoted)+16)
	out = append(out, head...)
	if len(head) > 1 {
		out = append(out, ", "...)
	}
	out = append(out, `"timestamp": `...)
	out = append(out, quoted...)
	out = append(out, '}')
	return out, nil
}

// StampCanonicalBody decodes data, sets the timestamp and re-encodes it with Serialize.
func StampCanonicalBody(data []byte, timestamp string) ([]byte, error) {
	body, err := Decode(data)
	if err != nil {
		return nil, err
	}
	body.Timestamp = timestamp
	return Serialize(body)
}

// LegacyCandidates lists the stamped bodies a legacy signature may cover, spliced form
// first.
func LegacyCandidates(data []byte, timestamp string) [][]byte {
	var out [][]byte
	spliced, err := StampLegacyBody(data, timestamp)
	if err == nil {
		out = append(out, spliced)
	}
	canonical, err := StampCanonicalBody(data, timestamp)
	if err == nil && !bytes.Equal(canonical, spliced) {
		out = append(out, canonical)
	}
	return out
}

// TargetKey returns params.target_key, or "" when missing or not a string.
func (b Body) TargetKey() string {
	raw, ok := b.Params[TargetKeyParam]
	if !ok {
		return ""
	}
	var target string
	if err := json.Unmarshal(raw, &target); err != nil {
		return ""
	}
	return target
}

// Headers builds the verification headers for a signature made by kp.
func Headers(kp *crypto.Keypair, sig []byte, timestamp string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderSignature, hex.EncodeToString(sig))
	h.Set(HeaderKey, hex.EncodeToString(kp.Public))
	h.Set(HeaderCrypto, strconv.Itoa(int(kp.Scheme)))
	if timestamp != "" {
		h.Set(HeaderTimestamp, timestamp)
	}
	return h
}

// ParseHex decodes a hex header value, tolerating a 0x prefix.
func ParseHex(raw string) ([]byte, error) {
	if len(raw) >= 2 && (raw[:2] == "0x" || raw[:2] == "0X") {
		raw = raw[2:]
	}
	return hex.DecodeString(raw)
}
