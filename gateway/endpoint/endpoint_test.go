package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type thingParams struct {
	Awesomeness int    `json:"awesomness"`
	Label       string `json:"label"`
}

type thingResult struct {
	Msg string `json:"msg"`
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := Register(reg, "do_the_thing",
		[]Field{Optional("awesomness", Int, 42), Required("label", String)},
		func(_ context.Context, p thingParams) (thingResult, error) {
			if p.Label == "boom" {
				return thingResult{}, errors.New("exploded")
			}
			if p.Label == "reject" {
				return thingResult{}, &ParamError{Message: "label not allowed"}
			}
			return thingResult{Msg: p.Label + ":" + strings.Repeat("!", p.Awesomeness%5)}, nil
		})
	require.NoError(t, err)
	return reg
}

func call(t *testing.T, reg *Registry, body string) *httptest.ResponseRecorder {
	t.Helper()
	ep, ok := reg.Lookup("do_the_thing")
	require.True(t, ok)
	req := httptest.NewRequest(http.MethodPost, ep.Path(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	ep.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, rec.Code, payload.Error.Code)
	return payload.Error.Message
}

func TestEndpointAppliesDefaultsAndIgnoresExtras(t *testing.T) {
	reg := newRegistry(t)
	rec := call(t, reg, `{"params":{"label":"hi","target_key":"5Grw","extra":[1,2]},"timestamp":"2024-01-01T00:00:00+00:00"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"msg":"hi:!!"}`, rec.Body.String())

	rec = call(t, reg, `{"params":{"label":"hi","awesomness":3}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"msg":"hi:!!!"}`, rec.Body.String())
}

func TestEndpointSchemaViolations(t *testing.T) {
	reg := newRegistry(t)
	cases := map[string]string{
		`{"params":{}}`:                                "Missing required parameter: label",
		`{"params":{"label":7}}`:                       "Invalid type for parameter label: expected string",
		`{"params":{"label":"x","awesomness":"lots"}}`: "Invalid type for parameter awesomness: expected int",
		`{"params":{"label":"x","awesomness":1.5}}`:    "Invalid type for parameter awesomness: expected int",
		`not json`:                                     "Request body must be a JSON object with params",
		`{"params":{"label":"reject"}}`:                "label not allowed",
	}
	for body, want := range cases {
		rec := call(t, reg, body)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
		require.Equal(t, want, errorMessage(t, rec), body)
	}
}

func TestEndpointHandlerFaultIs500(t *testing.T) {
	rec := call(t, newRegistry(t), `{"params":{"label":"boom"}}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Internal server error", errorMessage(t, rec))
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil)
	noop := func(context.Context, map[string]any) (string, error) { return "", nil }

	require.Error(t, Register(reg, "untyped", []Field{{Name: "x", Required: true}}, noop))
	require.Error(t, Register(reg, "bad/name", nil, noop))
	require.Error(t, Register(reg, "dup", []Field{Required("x", Int), Required("x", String)}, noop))
	require.Error(t, Register(reg, "baddefault", []Field{Optional("x", Int, "nope")}, noop))
	require.Error(t, Register[map[string]any, string](reg, "nilfn", nil, nil))

	require.NoError(t, Register(reg, "b", []Field{Optional("x", Any, nil)}, noop))
	require.NoError(t, Register(reg, "a", nil, noop))
	require.Error(t, Register(reg, "a", nil, noop))

	names := []string{}
	for _, ep := range reg.Endpoints() {
		names = append(names, ep.Name)
	}
	require.Equal(t, []string{"a", "b"}, names)
}

func TestFieldTypeAccepts(t *testing.T) {
	require.True(t, Float.accepts(json.RawMessage(`3`)))
	require.True(t, Float.accepts(json.RawMessage(`3.25`)))
	require.True(t, Bool.accepts(json.RawMessage(`false`)))
	require.True(t, Object.accepts(json.RawMessage(`{"a":1}`)))
	require.True(t, Array.accepts(json.RawMessage(`[]`)))
	require.False(t, Array.accepts(json.RawMessage(`{}`)))
	require.True(t, Any.accepts(json.RawMessage(`null`)))
	require.False(t, typeUnset.accepts(json.RawMessage(`1`)))
}
