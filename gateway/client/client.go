// Package client calls methods on remote module servers using the signed request protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/protocol"
)

// DefaultTimeout bounds a single call when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

const maxResponseBytes = 16 << 20

// RemoteError is a non-200 answer from the module.
type RemoteError struct {
	Status  int
	Code    int
	Message string
	Header  http.Header
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("module returned status %d", e.Status)
	}
	return fmt.Sprintf("module returned status %d: %s", e.Status, e.Message)
}

type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	// Legacy sends the body without the embedded timestamp, for servers that predate it.
	Legacy bool
}

// ModuleClient signs calls with its keypair and addresses them to one module.
type ModuleClient struct {
	baseURL string
	keypair *crypto.Keypair
	target  crypto.Identity
	http    *http.Client
	timeout time.Duration
	legacy  bool
}

// New returns a client for the module at baseURL whose identity is target.
func New(baseURL string, kp *crypto.Keypair, target crypto.Identity, opts Options) (*ModuleClient, error) {
	if kp == nil {
		return nil, errors.New("client: keypair required")
	}
	if target == "" {
		return nil, errors.New("client: target identity required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ModuleClient{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		keypair: kp,
		target:  target,
		http:    httpClient,
		timeout: timeout,
		legacy:  opts.Legacy,
	}, nil
}

// Call invokes method with params and returns the raw JSON result.
func (c *ModuleClient) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, errors.New("client: method required")
	}
	build := protocol.BuildRequest
	if c.legacy {
		build = protocol.BuildLegacyRequest
	}
	signed, err := build(c.keypair, c.target, params)
	if err != nil {
		return nil, fmt.Errorf("client: sign request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocol.MethodPath(method), bytes.NewReader(signed.Body))
	if err != nil {
		return nil, err
	}
	for key, values := range signed.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp, body)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, fmt.Errorf("client: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if !json.Valid(body) {
		return nil, errors.New("client: response is not valid JSON")
	}
	return json.RawMessage(body), nil
}

// CallInto invokes method and decodes the result into out.
func (c *ModuleClient) CallInto(ctx context.Context, method string, params map[string]any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode result: %w", err)
	}
	return nil
}

func remoteError(resp *http.Response, body []byte) *RemoteError {
	rerr := &RemoteError{Status: resp.StatusCode, Header: resp.Header.Clone()}
	var payload struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		rerr.Code = payload.Error.Code
		rerr.Message = payload.Error.Message
		return rerr
	}
	rerr.Code = resp.StatusCode
	rerr.Message = strings.TrimSpace(string(body))
	return rerr
}
