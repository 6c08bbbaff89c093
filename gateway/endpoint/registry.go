package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/protocol"
)

// ParamError is returned by handlers (or produced during decoding) when the caller sent
// parameters that do not satisfy the schema. It maps to 422.
type ParamError struct {
	Message string
}

func (e *ParamError) Error() string { return e.Message }

type invokeFunc func(ctx context.Context, params map[string]json.RawMessage) (any, error)

// Endpoint is a registered method.
type Endpoint struct {
	Name   string
	Fields []Field

	invoke invokeFunc
	logger *slog.Logger
}

// Registry holds the methods a module exposes.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{endpoints: make(map[string]*Endpoint), logger: logger}
}

// Register exposes fn as method name. Incoming params are checked against fields, then
// decoded into P by their JSON names; undeclared params are dropped. The result R is
// returned to the caller as JSON.
func Register[P, R any](reg *Registry, name string, fields []Field, fn func(ctx context.Context, params P) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("endpoint %s: nil handler", name)
	}
	declared := append([]Field(nil), fields...)
	invoke := func(ctx context.Context, raw map[string]json.RawMessage) (any, error) {
		filtered, err := bind(declared, raw)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(filtered)
		if err != nil {
			return nil, err
		}
		var params P
		if err := json.Unmarshal(encoded, &params); err != nil {
			return nil, &ParamError{Message: "Invalid parameters: " + err.Error()}
		}
		return fn(ctx, params)
	}
	return reg.add(name, declared, invoke)
}

func (r *Registry) add(name string, fields []Field, invoke invokeFunc) error {
	if name == "" || strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("invalid endpoint name %q", name)
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if err := f.validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", name, err)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("endpoint %s: duplicate field %s", name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[name]; exists {
		return fmt.Errorf("endpoint %s already registered", name)
	}
	r.endpoints[name] = &Endpoint{Name: name, Fields: fields, invoke: invoke, logger: r.logger}
	return nil
}

// Lookup returns the endpoint registered under name.
func (r *Registry) Lookup(name string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Endpoints lists registered endpoints sorted by name.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Path is the HTTP path the endpoint is served on.
func (e *Endpoint) Path() string { return protocol.MethodPath(e.Name) }

// ServeHTTP decodes {"params":{...}}, invokes the handler and writes its result.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body protocol.Body
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		admission.WriteError(w, http.StatusUnprocessableEntity, "Request body must be a JSON object with params", nil)
		return
	}
	result, err := e.invoke(r.Context(), body.Params)
	if err != nil {
		var paramErr *ParamError
		if errors.As(err, &paramErr) {
			admission.WriteError(w, http.StatusUnprocessableEntity, paramErr.Message, nil)
			return
		}
		e.logger.Error("endpoint handler failed", slog.String("endpoint", e.Name), slog.Any("error", err))
		admission.WriteError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("could not encode endpoint result", slog.String("endpoint", e.Name), slog.Any("error", err))
		admission.WriteError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// bind checks raw against fields and returns only the declared params, with defaults
// filled in.
func bind(fields []Field, raw map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		value, ok := raw[f.Name]
		if !ok {
			if f.Required {
				return nil, &ParamError{Message: "Missing required parameter: " + f.Name}
			}
			def, err := json.Marshal(f.Default)
			if err != nil {
				return nil, err
			}
			out[f.Name] = def
			continue
		}
		if !f.Type.accepts(value) {
			return nil, &ParamError{Message: fmt.Sprintf("Invalid type for parameter %s: expected %s", f.Name, f.Type)}
		}
		out[f.Name] = value
	}
	return out, nil
}
