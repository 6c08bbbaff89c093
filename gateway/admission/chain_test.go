package admission

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingObserver struct {
	stages []string
	codes  []int
}

func (o *recordingObserver) ObserveStage(stage string, rej *Rejection) {
	o.stages = append(o.stages, stage)
	code := 0
	if rej != nil {
		code = rej.Code
	}
	o.codes = append(o.codes, code)
}

func TestChainShortCircuitsOnFirstRejection(t *testing.T) {
	var calls []string
	pass := func(name string) Stage {
		return Stage{Name: name, Verifier: VerifierFunc(func(ctx context.Context, req *Request) *Rejection {
			calls = append(calls, name)
			return nil
		})}
	}
	deny := Stage{Name: "deny", Verifier: VerifierFunc(func(ctx context.Context, req *Request) *Rejection {
		calls = append(calls, "deny")
		return Forbidden("You are blacklisted")
	})}
	obs := &recordingObserver{}
	chain := NewChain(obs, pass("lists"), deny, pass("limiter"))

	reached := false
	handler := chain.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/method/prompt", strings.NewReader("{}")))

	if reached {
		t.Fatalf("handler must not run after a rejection")
	}
	if strings.Join(calls, ",") != "lists,deny" {
		t.Fatalf("unexpected stage calls %v", calls)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != http.StatusForbidden || body.Error.Message != "You are blacklisted" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if strings.Join(obs.stages, ",") != "lists,deny" || obs.codes[1] != http.StatusForbidden {
		t.Fatalf("observer saw %v %v", obs.stages, obs.codes)
	}
}

func TestChainRestoresBodyForHandler(t *testing.T) {
	var seen []byte
	chain := NewChain(nil, Stage{Name: "peek", Verifier: VerifierFunc(func(ctx context.Context, req *Request) *Rejection {
		seen = req.Body
		if req.ClientIP != "192.0.2.1" {
			t.Errorf("unexpected client ip %q", req.ClientIP)
		}
		return nil
	})})
	var handlerBody []byte
	handler := chain.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/method/prompt", strings.NewReader(`{"params":{}}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if string(seen) != `{"params":{}}` || string(handlerBody) != `{"params":{}}` {
		t.Fatalf("body not preserved: verifier=%q handler=%q", seen, handlerBody)
	}
}

func TestChainRejectsOversizedBody(t *testing.T) {
	chain := NewChain(nil)
	handler := chain.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rec := httptest.NewRecorder()
	big := strings.Repeat("a", MaxBodyBytes+10)
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/method/prompt", strings.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRejectionHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	TooManyRequests("Rate limit exceeded").WithHeader("X-RateLimit-TryAfter", "9").Write(rec)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("X-RateLimit-TryAfter") != "9" {
		t.Fatalf("unexpected response %d %v", rec.Code, rec.Header())
	}
}
