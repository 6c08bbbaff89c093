package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/renlabs-dev/communex/crypto"
)

const (
	DefaultRegisteredMethod = "subspace_registeredModules"
	DefaultStakesMethod     = "subspace_stakedBalances"

	wsReadLimit = 32 << 20
)

// Methods names the node RPC methods answering the two queries.
type Methods struct {
	Registered string
	Stakes     string
}

// RPCClient queries a node over JSON-RPC 2.0. http(s) endpoints POST one request per
// call; ws(s) endpoints share a single connection that is re-dialed after any failure.
type RPCClient struct {
	endpoint  string
	authToken string
	methods   Methods
	http      *http.Client
	nextID    atomic.Int64

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// NewRPCClient validates the endpoint scheme and fills in default method names.
func NewRPCClient(endpoint, authToken string, methods Methods) (*RPCClient, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse chain endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("chain endpoint scheme %q not supported", parsed.Scheme)
	}
	if strings.TrimSpace(methods.Registered) == "" {
		methods.Registered = DefaultRegisteredMethod
	}
	if strings.TrimSpace(methods.Stakes) == "" {
		methods.Stakes = DefaultStakesMethod
	}
	return &RPCClient{
		endpoint:  parsed.String(),
		authToken: authToken,
		methods:   methods,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RegisteredIdentities expects a result object mapping ss58 address to module uid.
func (c *RPCClient) RegisteredIdentities(ctx context.Context, netuid uint16) (map[crypto.Identity]uint16, error) {
	var raw map[string]uint16
	if err := c.call(ctx, c.methods.Registered, []interface{}{netuid}, &raw); err != nil {
		return nil, unavailable(fmt.Sprintf("registered identities on subnet %d", netuid), err)
	}
	out := make(map[crypto.Identity]uint16, len(raw))
	for addr, uid := range raw {
		id, err := crypto.ParseIdentity(addr)
		if err != nil {
			return nil, fmt.Errorf("node returned invalid identity %q: %w", addr, err)
		}
		out[id] = uid
	}
	return out, nil
}

// StakedBalances expects a result object mapping ss58 address to a decimal or 0x-hex
// stake string.
func (c *RPCClient) StakedBalances(ctx context.Context) (map[crypto.Identity]*uint256.Int, error) {
	var raw map[string]string
	if err := c.call(ctx, c.methods.Stakes, []interface{}{}, &raw); err != nil {
		return nil, unavailable("staked balances", err)
	}
	out := make(map[crypto.Identity]*uint256.Int, len(raw))
	for addr, amount := range raw {
		id, err := crypto.ParseIdentity(addr)
		if err != nil {
			return nil, fmt.Errorf("node returned invalid identity %q: %w", addr, err)
		}
		value, err := parseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("stake of %s: %w", addr, err)
		}
		out[id] = value
	}
	return out, nil
}

// Close releases the websocket connection, if any.
func (c *RPCClient) Close() error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close(websocket.StatusNormalClosure, "client closed")
	c.ws = nil
	return err
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return uint256.FromHex(trimmed)
	}
	return uint256.FromDecimal(trimmed)
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	var (
		resp *jsonRPCResponse
		err  error
	)
	if strings.HasPrefix(c.endpoint, "ws") {
		resp, err = c.callWS(ctx, req)
	} else {
		resp, err = c.callHTTP(ctx, req)
	}
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("node rpc %s error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *RPCClient) callHTTP(ctx context.Context, rpcReq jsonRPCRequest) (*jsonRPCResponse, error) {
	buf, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("node rpc %s failed: status=%d body=%s", rpcReq.Method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	return &rpcResp, nil
}

func (c *RPCClient) callWS(ctx context.Context, rpcReq jsonRPCRequest) (*jsonRPCResponse, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		var opts *websocket.DialOptions
		if strings.TrimSpace(c.authToken) != "" {
			opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.authToken}}}
		}
		conn, _, err := websocket.Dial(ctx, c.endpoint, opts)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
		}
		conn.SetReadLimit(wsReadLimit)
		c.ws = conn
	}
	resp, err := c.roundTripWS(ctx, rpcReq)
	if err != nil {
		_ = c.ws.Close(websocket.StatusInternalError, "rpc failure")
		c.ws = nil
		return nil, err
	}
	return resp, nil
}

// roundTripWS skips notifications and stale replies until the matching id arrives.
func (c *RPCClient) roundTripWS(ctx context.Context, rpcReq jsonRPCRequest) (*jsonRPCResponse, error) {
	if err := wsjson.Write(ctx, c.ws, rpcReq); err != nil {
		return nil, err
	}
	for {
		var resp jsonRPCResponse
		if err := wsjson.Read(ctx, c.ws, &resp); err != nil {
			return nil, err
		}
		if resp.ID == rpcReq.ID {
			return &resp, nil
		}
	}
}
