package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chainIDServer(t *testing.T, chainID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_chainId" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"` + chainID + `"}`))
	}))
}

func TestCheckChainID(t *testing.T) {
	server := chainIDServer(t, "0x1")
	defer server.Close()

	client, err := NewClient(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.CheckChainID(context.Background(), 1); err != nil {
		t.Fatalf("expected matching chain id, got %v", err)
	}
	if err := client.CheckChainID(context.Background(), 0); err != nil {
		t.Fatalf("zero chain id should skip the check, got %v", err)
	}
	if err := client.CheckChainID(context.Background(), 100); !errors.Is(err, ErrChainMismatch) {
		t.Fatalf("expected ErrChainMismatch, got %v", err)
	}
}
