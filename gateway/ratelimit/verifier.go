package ratelimit

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/protocol"
)

const exceededMessage = "Rate limit exceeded"

// IPVerifier throttles by client IP and reports the remaining tokens on rejection.
type IPVerifier struct {
	limiter Limiter
	logger  *slog.Logger
}

// NewIPVerifier wraps limiter as an admission stage.
func NewIPVerifier(limiter Limiter, logger *slog.Logger) *IPVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPVerifier{limiter: limiter, logger: logger}
}

func (v *IPVerifier) Verify(ctx context.Context, req *admission.Request) *admission.Rejection {
	if req.ClientIP == "" {
		return admission.BadRequest("Address should be present in request")
	}
	if v.limiter.Allow(ctx, req.ClientIP) {
		return nil
	}
	remaining := v.limiter.Remaining(ctx, req.ClientIP)
	v.logger.Info("rate limited", slog.String("ip", req.ClientIP))
	return admission.TooManyRequests(exceededMessage).
		WithHeader(HeaderRemaining, strconv.Itoa(remaining))
}

// StakeVerifier throttles by caller identity and reports when to retry on rejection.
type StakeVerifier struct {
	limiter Limiter
	logger  *slog.Logger
}

// NewStakeVerifier wraps limiter as an admission stage.
func NewStakeVerifier(limiter Limiter, logger *slog.Logger) *StakeVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StakeVerifier{limiter: limiter, logger: logger}
}

func (v *StakeVerifier) Verify(ctx context.Context, req *admission.Request) *admission.Rejection {
	caller := req.Caller
	if caller == "" {
		pub, err := protocol.ParseHex(req.Header(protocol.HeaderKey))
		if err != nil {
			return admission.BadRequest("Caller key could not be decoded into a ss58address")
		}
		id, err := crypto.IdentityFromPublicKey(pub, crypto.DefaultSS58Format)
		if err != nil {
			return admission.BadRequest("Caller key could not be decoded into a ss58address")
		}
		caller = id.String()
		req.Caller = caller
	}
	if v.limiter.Allow(ctx, caller) {
		return nil
	}
	retry := strconv.Itoa(v.limiter.RetryAfter(ctx, caller))
	v.logger.Info("rate limited", slog.String("caller", caller), slog.String("retry_after", retry))
	return admission.TooManyRequests(exceededMessage).
		WithHeader(HeaderTryAfter, retry).
		WithHeader(HeaderRetryAfter, retry)
}
