package solana

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTipInstructionLayout(t *testing.T) {
	c := NewBundleClient(DefaultBundleConfig())
	payer := fillPubkey(1)

	ins := c.TipInstruction(payer, 123_456)

	assert.Equal(t, SystemProgram, ins.ProgramID)
	require.Len(t, ins.Data, 12)
	// SystemProgram::Transfer discriminator, then lamports.
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(ins.Data[0:4]))
	assert.Equal(t, uint64(123_456), binary.LittleEndian.Uint64(ins.Data[4:12]))

	require.Len(t, ins.Accounts, 2)
	assert.Equal(t, payer, ins.Accounts[0].Pubkey)
	assert.True(t, ins.Accounts[0].IsSigner)
	assert.True(t, ins.Accounts[0].IsWritable)
	assert.False(t, ins.Accounts[1].IsSigner)
	assert.True(t, ins.Accounts[1].IsWritable)
}

func TestTipAccountRotation(t *testing.T) {
	c := NewBundleClient(DefaultBundleConfig())

	seen := make(map[Pubkey]int)
	first := make([]Pubkey, 0, len(tipAccounts))
	for i := 0; i < 2*len(tipAccounts); i++ {
		acct := c.NextTipAccount()
		seen[acct]++
		if i < len(tipAccounts) {
			first = append(first, acct)
		}
	}

	// Every known tip account is used exactly twice over two full cycles.
	assert.Len(t, seen, len(tipAccounts))
	for acct, n := range seen {
		assert.Equal(t, 2, n, "tip account %s", acct)
	}

	// A third cycle repeats the first in order.
	for i := 0; i < len(tipAccounts); i++ {
		assert.Equal(t, first[i], c.NextTipAccount())
	}
}

func TestTipInstructionRotatesAccounts(t *testing.T) {
	c := NewBundleClient(DefaultBundleConfig())
	payer := fillPubkey(1)

	a := c.TipInstruction(payer, 1).Accounts[1].Pubkey
	b := c.TipInstruction(payer, 1).Accounts[1].Pubkey
	assert.NotEqual(t, a, b)
}

// fakeBlockEngine serves the protected relay's sendBundle endpoint.
func fakeBlockEngine(t *testing.T, handler func(req rpcRequest) (string, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, bundlePath, r.URL.Path)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		id, rpcErr := handler(req)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = id
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendBundleSuccess(t *testing.T) {
	var gotTxs int
	srv := fakeBlockEngine(t, func(req rpcRequest) (string, *rpcError) {
		assert.Equal(t, "sendBundle", req.Method)
		if txs, ok := req.Params[0].([]any); ok {
			gotTxs = len(txs)
		}
		return "bundle-123", nil
	})

	cfg := DefaultBundleConfig()
	cfg.BlockEngineURL = srv.URL
	c := NewBundleClient(cfg)

	id, err := c.SendBundle(context.Background(), []string{"dHgx", "dHgy"})
	require.NoError(t, err)
	assert.Equal(t, "bundle-123", id)
	assert.Equal(t, 2, gotTxs)
	assert.Equal(t, int64(1), c.Metrics()["bundles_sent_total"])
}

func TestSendBundleRejected(t *testing.T) {
	srv := fakeBlockEngine(t, func(rpcRequest) (string, *rpcError) {
		return "", &rpcError{Code: -32600, Message: "bundle too large"}
	})

	cfg := DefaultBundleConfig()
	cfg.BlockEngineURL = srv.URL
	c := NewBundleClient(cfg)

	_, err := c.SendBundle(context.Background(), []string{"dHgx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundle too large")
	assert.Equal(t, int64(1), c.Metrics()["bundles_failed_total"])
}

func TestSendBundleDisabled(t *testing.T) {
	cfg := DefaultBundleConfig()
	cfg.Enabled = false
	c := NewBundleClient(cfg)

	_, err := c.SendBundle(context.Background(), []string{"dHgx"})
	assert.Error(t, err)
}

func TestSendBundleEmpty(t *testing.T) {
	c := NewBundleClient(DefaultBundleConfig())
	_, err := c.SendBundle(context.Background(), nil)
	assert.Error(t, err)
}
