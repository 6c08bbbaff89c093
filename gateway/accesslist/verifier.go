package accesslist

import (
	"context"
	"log/slog"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/protocol"
)

// Verifier rejects callers by identity and IP before any signature work is done. It also
// derives the caller identity from X-Key for the stages that follow.
type Verifier struct {
	lists  *Lists
	logger *slog.Logger
}

// NewVerifier returns a verifier over lists.
func NewVerifier(lists *Lists, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{lists: lists, logger: logger}
}

func (v *Verifier) Verify(_ context.Context, req *admission.Request) *admission.Rejection {
	key := req.Header(protocol.HeaderKey)
	if key == "" {
		return v.refuse("", admission.BadRequest("Missing header: X-Key"))
	}
	pub, err := protocol.ParseHex(key)
	if err != nil {
		return v.refuse(key, admission.BadRequest("Caller key could not be decoded into a ss58address"))
	}
	caller, err := crypto.IdentityFromPublicKey(pub, crypto.DefaultSS58Format)
	if err != nil {
		return v.refuse(key, admission.BadRequest("Caller key could not be decoded into a ss58address"))
	}
	req.Caller = caller.String()

	if req.ClientIP == "" {
		return v.refuse(req.Caller, admission.BadRequest("Address should be present in request"))
	}
	if v.lists.Contains(Blacklist, req.Caller) {
		return v.refuse(req.Caller, admission.Forbidden("You are blacklisted"))
	}
	if v.lists.Contains(IPBlacklist, req.ClientIP) {
		return v.refuse(req.Caller, admission.Forbidden("Your IP is blacklisted"))
	}
	if v.lists.WhitelistEnforced() && !v.lists.Contains(Whitelist, req.Caller) {
		return v.refuse(req.Caller, admission.Forbidden("You are not whitelisted"))
	}
	return nil
}

func (v *Verifier) refuse(caller string, rej *admission.Rejection) *admission.Rejection {
	v.logger.Info("refusing module request",
		slog.String("caller", caller),
		slog.Int("code", rej.Code),
		slog.String("reason", rej.Message))
	return rej
}
