package routes

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/endpoint"
	"github.com/renlabs-dev/communex/gateway/middleware"
)

type countingVerifier struct{ calls int }

func (v *countingVerifier) Verify(context.Context, *admission.Request) *admission.Rejection {
	v.calls++
	return nil
}

func newRouter(t *testing.T) (http.Handler, *countingVerifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := endpoint.NewRegistry(logger)
	require.NoError(t, endpoint.Register(reg, "echo",
		[]endpoint.Field{endpoint.Required("text", endpoint.String)},
		func(_ context.Context, p struct {
			Text string `json:"text"`
		}) (string, error) {
			return p.Text, nil
		}))
	verifier := &countingVerifier{}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, logger)
	handler, err := New(Config{
		Registry:      reg,
		Admission:     admission.NewChain(obs, admission.Stage{Name: "count", Verifier: verifier}),
		Observability: obs,
	})
	require.NoError(t, err)
	return handler, verifier
}

func TestMethodRoute(t *testing.T) {
	handler, verifier := newRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/method/echo", strings.NewReader(`{"params":{"text":"hey"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `"hey"`, rec.Body.String())
	require.Equal(t, 1, verifier.calls)
	require.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
}

func TestUnknownMethodNotFound(t *testing.T) {
	handler, verifier := newRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/method/nope", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Method nope not found")
	require.Zero(t, verifier.calls)
}

func TestMethodNotAllowedAndHealth(t *testing.T) {
	handler, _ := newRouter(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/method/echo", strings.NewReader(`{"params":{"text":"x"}}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/method/echo", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":405`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `modulegate_admission_decisions_total{code="pass",stage="count"} 1`)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Registry: endpoint.NewRegistry(nil)})
	require.Error(t, err)
}
