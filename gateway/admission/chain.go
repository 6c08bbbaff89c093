// Package admission runs inbound method calls through an ordered list of verifiers before
// they reach the registered handler.
package admission

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxBodyBytes bounds how much of a request body is buffered for signature checks.
const MaxBodyBytes = 1 << 20

// Request is the view of an inbound call shared by every verifier. Body holds the raw
// bytes exactly as received.
type Request struct {
	HTTP     *http.Request
	Body     []byte
	ClientIP string

	// Caller is filled in by the first verifier able to derive the caller identity.
	Caller string
}

// Header returns a trimmed request header.
func (r *Request) Header(name string) string {
	return strings.TrimSpace(r.HTTP.Header.Get(name))
}

// Verifier inspects a request and either lets it through (nil) or rejects it.
type Verifier interface {
	Verify(ctx context.Context, req *Request) *Rejection
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, req *Request) *Rejection

func (f VerifierFunc) Verify(ctx context.Context, req *Request) *Rejection { return f(ctx, req) }

// Stage names a verifier for spans, metrics and logs.
type Stage struct {
	Name     string
	Verifier Verifier
}

// Observer is notified of every stage outcome.
type Observer interface {
	ObserveStage(stage string, rej *Rejection)
}

// Chain applies stages in order. The first rejection is written as the response.
type Chain struct {
	stages   []Stage
	observer Observer
	tracer   trace.Tracer
}

// NewChain builds a chain. Stage order is significant: cheaper checks first, and checks
// that must not consume limiter tokens before the limiter.
func NewChain(observer Observer, stages ...Stage) *Chain {
	cloned := make([]Stage, 0, len(stages))
	for _, stage := range stages {
		if stage.Verifier == nil {
			continue
		}
		cloned = append(cloned, stage)
	}
	return &Chain{
		stages:   cloned,
		observer: observer,
		tracer:   otel.Tracer("github.com/renlabs-dev/communex/gateway/admission"),
	}
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, stage := range c.stages {
		names[i] = stage.Name
	}
	return names
}

// Run executes the stages against req and returns the first rejection.
func (c *Chain) Run(ctx context.Context, req *Request) *Rejection {
	for _, stage := range c.stages {
		stageCtx, span := c.tracer.Start(ctx, "admission."+stage.Name)
		rej := stage.Verifier.Verify(stageCtx, req)
		if rej != nil {
			span.SetAttributes(attribute.Int("admission.reject_code", rej.Code))
			span.SetStatus(codes.Error, rej.Message)
		}
		span.End()
		if c.observer != nil {
			c.observer.ObserveStage(stage.Name, rej)
		}
		if rej != nil {
			return rej
		}
	}
	return nil
}

// Middleware buffers the body, runs the chain and, when every stage passes, hands the
// request to next with the body restored.
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		_ = r.Body.Close()
		if err != nil {
			BadRequest("could not read request body").Write(w)
			return
		}
		if len(body) > MaxBodyBytes {
			reject(http.StatusRequestEntityTooLarge, "Request body too large").Write(w)
			return
		}
		req := &Request{HTTP: r, Body: body, ClientIP: ClientIP(r)}
		if rej := c.Run(r.Context(), req); rej != nil {
			rej.Write(w)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the transport-level peer address. Forwarding headers are ignored: the
// IP blacklist and IP limiter must not be steerable by the caller.
func ClientIP(r *http.Request) string {
	if r == nil || r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
