package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/renlabs-dev/communex/crypto"
)

func newIdentity(t *testing.T) crypto.Identity {
	t.Helper()
	kp, err := crypto.GenerateKeypair(crypto.SchemeEd25519)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp.Identity()
}

func TestStaticClientRegistersAndCopies(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	client := NewStaticClient()
	client.Register(3, alice, bob, alice)
	client.SetStake(alice, uint256.NewInt(42))

	registered, err := client.RegisteredIdentities(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, registered, 2)
	require.Equal(t, uint16(0), registered[alice])
	require.Equal(t, uint16(1), registered[bob])

	empty, err := client.RegisteredIdentities(context.Background(), 4)
	require.NoError(t, err)
	require.Empty(t, empty)

	stakes, err := client.StakedBalances(context.Background())
	require.NoError(t, err)
	stakes[alice].SetUint64(7)
	again, err := client.StakedBalances(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), again[alice].Uint64())
}

func TestLoadSnapshot(t *testing.T) {
	alice := newIdentity(t)
	path := filepath.Join(t.TempDir(), "chain.yaml")
	doc := "subnets:\n  0: [" + alice.String() + "]\nstakes:\n  " + alice.String() + ": \"15000000000000\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	client, err := LoadSnapshot(path)
	require.NoError(t, err)

	registered, err := client.RegisteredIdentities(context.Background(), 0)
	require.NoError(t, err)
	require.Contains(t, registered, alice)

	stakes, err := client.StakedBalances(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(15_000_000_000_000), stakes[alice].Uint64())
}

func TestLoadSnapshotRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte("subnets:\n  0: [not-an-address]\n"), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if _, err := LoadSnapshot(path); err == nil {
		t.Fatalf("expected invalid address to fail")
	}
}

func TestRPCClientHTTP(t *testing.T) {
	alice := newIdentity(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "custom_registered":
			resp["result"] = map[string]uint16{alice.String(): 9}
		case DefaultStakesMethod:
			resp["result"] = map[string]string{alice.String(): "0x10"}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewRPCClient(srv.URL, "secret", Methods{Registered: "custom_registered"})
	require.NoError(t, err)

	registered, err := client.RegisteredIdentities(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, uint16(9), registered[alice])

	stakes, err := client.StakedBalances(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(16), stakes[alice].Uint64())
}

func TestRPCClientErrorsAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewRPCClient(srv.URL, "", Methods{})
	require.NoError(t, err)
	_, err = client.RegisteredIdentities(context.Background(), 0)
	require.ErrorIs(t, err, ErrChainUnavailable)
}

func TestNewRPCClientRejectsScheme(t *testing.T) {
	if _, err := NewRPCClient("ftp://node", "", Methods{}); err == nil {
		t.Fatalf("expected ftp scheme to be rejected")
	}
}

type slowClient struct{}

func (slowClient) RegisteredIdentities(ctx context.Context, _ uint16) (map[crypto.Identity]uint16, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowClient) StakedBalances(ctx context.Context) (map[crypto.Identity]*uint256.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	client := WithTimeout(slowClient{}, 10*time.Millisecond)
	_, err := client.RegisteredIdentities(context.Background(), 0)
	require.ErrorIs(t, err, ErrChainUnavailable)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = client.StakedBalances(context.Background())
	require.ErrorIs(t, err, ErrChainUnavailable)
}

func TestWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	static := NewStaticClient()
	client := WithMetrics(static, reg)
	_, err := client.StakedBalances(context.Background())
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.RegisteredIdentities(cancelled, 0)
	require.Error(t, err)

	mc := client.(*metricsClient)
	require.Equal(t, 1.0, testutil.ToFloat64(mc.queries.WithLabelValues("stakes", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(mc.queries.WithLabelValues("registered", "error")))
}
