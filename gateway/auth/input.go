// Package auth verifies that a method call was signed by the key it claims, was addressed
// to this server, is fresh, and comes from a caller registered alongside this server.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/identity"
	"github.com/renlabs-dev/communex/gateway/protocol"
)

// DefaultStaleness bounds how old a request timestamp may be.
const DefaultStaleness = 120 * time.Second

var requiredHeaders = []string{"x-signature", "x-key", "x-crypto"}

// Options configures an InputVerifier.
type Options struct {
	// Self is the identity of the serving keypair; requests must target it.
	Self crypto.Identity
	// Staleness is the maximum accepted age of a request.
	Staleness time.Duration
	// Subnets enables the co-registration check when non-empty.
	Subnets []uint16
	// Registry answers subnet membership. Required when Subnets is set.
	Registry *identity.Cache
	Logger   *slog.Logger
	Now      func() time.Time
}

// InputVerifier authenticates the signed request body.
type InputVerifier struct {
	self      crypto.Identity
	staleness time.Duration
	subnets   []uint16
	registry  *identity.Cache
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewInputVerifier validates opts and builds the verifier.
func NewInputVerifier(opts Options) (*InputVerifier, error) {
	if opts.Self == "" {
		return nil, fmt.Errorf("auth: server identity required")
	}
	if len(opts.Subnets) > 0 && opts.Registry == nil {
		return nil, fmt.Errorf("auth: subnet whitelist requires an identity cache")
	}
	staleness := opts.Staleness
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &InputVerifier{
		self:      opts.Self,
		staleness: staleness,
		subnets:   append([]uint16(nil), opts.Subnets...),
		registry:  opts.Registry,
		logger:    logger,
		nowFn:     nowFn,
	}, nil
}

func (v *InputVerifier) Verify(ctx context.Context, req *admission.Request) *admission.Rejection {
	values := make(map[string]string, len(requiredHeaders))
	for _, name := range requiredHeaders {
		value := req.Header(name)
		if value == "" {
			return admission.BadRequest("Missing header: " + name)
		}
		values[name] = value
	}
	sig, err := protocol.ParseHex(values["x-signature"])
	if err != nil {
		return admission.BadRequest("Invalid hex in header: x-signature")
	}
	pub, err := protocol.ParseHex(values["x-key"])
	if err != nil {
		return admission.BadRequest("Invalid hex in header: x-key")
	}
	scheme, err := crypto.ParseScheme(values["x-crypto"])
	if err != nil {
		return admission.BadRequest("Invalid crypto type: " + values["x-crypto"])
	}
	if !scheme.Supported() {
		return admission.BadRequest("Unsupported crypto type: " + scheme.String())
	}
	caller, err := crypto.IdentityFromPublicKey(pub, crypto.DefaultSS58Format)
	if err != nil {
		return admission.BadRequest("Caller key could not be decoded into a ss58address")
	}
	req.Caller = caller.String()

	headerTS := req.Header(protocol.HeaderTimestamp)
	matched, legacy := v.matchSignature(pub, scheme, req.Body, sig, headerTS)
	if !matched {
		v.logger.Warn("signature mismatch", slog.String("caller", req.Caller))
		return admission.Unauthorized("Signatures doesn't match")
	}

	body, err := protocol.Decode(req.Body)
	if err != nil {
		return admission.BadRequest("Request body is not valid JSON")
	}
	if body.TargetKey() != v.self.String() {
		v.logger.Warn("request addressed to another server",
			slog.String("caller", req.Caller),
			slog.String("target_key", body.TargetKey()))
		return admission.Unauthorized("Wrong target_key in body")
	}

	// X-Timestamp is unsigned unless the legacy stamped body is what verified.
	if !legacy {
		headerTS = ""
	}
	issued, err := protocol.ParseTimestamp(requestTimestamp(body, headerTS))
	if err != nil {
		return admission.BadRequest("Invalid ISO timestamp given")
	}
	if v.nowFn().Sub(issued) > v.staleness {
		return admission.BadRequest("Request is too stale")
	}

	if len(v.subnets) == 0 {
		return nil
	}
	return v.checkSubnets(ctx, caller)
}

// matchSignature tries the raw body first, then the legacy stamped bodies. legacy reports
// whether a stamped body was the one that verified.
func (v *InputVerifier) matchSignature(pub []byte, scheme crypto.Scheme, body, sig []byte, headerTS string) (matched, legacy bool) {
	if ok, err := crypto.Verify(pub, scheme, body, sig); err == nil && ok {
		return true, false
	}
	if headerTS == "" {
		return false, false
	}
	for _, stamped := range protocol.LegacyCandidates(body, headerTS) {
		if ok, err := crypto.Verify(pub, scheme, stamped, sig); err == nil && ok {
			return true, true
		}
	}
	return false, false
}

// requestTimestamp prefers the signed body timestamp, then params.timestamp, then the
// X-Timestamp header.
func requestTimestamp(body protocol.Body, headerTS string) string {
	if body.Timestamp != "" {
		return body.Timestamp
	}
	if raw, ok := body.Params["timestamp"]; ok {
		var ts string
		if err := json.Unmarshal(raw, &ts); err == nil && ts != "" {
			return ts
		}
	}
	return headerTS
}

// checkSubnets admits the caller when it is registered on a configured subnet this server
// is also registered on.
func (v *InputVerifier) checkSubnets(ctx context.Context, caller crypto.Identity) *admission.Rejection {
	failed := false
	for _, netuid := range v.subnets {
		selfOK, err := v.registry.Contains(ctx, netuid, v.self)
		if err != nil {
			failed = true
			continue
		}
		if !selfOK {
			v.logger.Warn("server identity not registered on subnet",
				slog.String("identity", v.self.String()),
				slog.Int("netuid", int(netuid)))
			continue
		}
		callerOK, err := v.registry.Contains(ctx, netuid, caller)
		if err != nil {
			failed = true
			continue
		}
		if callerOK {
			return nil
		}
	}
	if failed {
		return admission.Unavailable("Could not reach the chain to check subnet registration")
	}
	v.logger.Info("caller not co-registered",
		slog.String("caller", caller.String()),
		slog.Any("subnets", v.subnets))
	return admission.Forbidden(fmt.Sprintf("%s is not registered in any subnet that the miner is", caller))
}
