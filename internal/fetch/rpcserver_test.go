package fetch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// jsonRPCError is an error object returned in a JSON-RPC response.
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcCall is a request seen by the fake node.
type rpcCall struct {
	Method string
	Params []json.RawMessage
}

type rpcHandlerFunc func(call rpcCall) (any, *jsonRPCError)

// fakeNode is a minimal JSON-RPC 2.0 server over HTTP.
type fakeNode struct {
	*httptest.Server

	mu    sync.Mutex
	calls []rpcCall
}

func newFakeNode(t *testing.T, handler rpcHandlerFunc) *fakeNode {
	t.Helper()

	n := &fakeNode{}
	n.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		call := rpcCall{Method: req.Method, Params: req.Params}
		n.mu.Lock()
		n.calls = append(n.calls, call)
		n.mu.Unlock()

		result, rpcErr := handler(call)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(n.Close)
	return n
}

func (n *fakeNode) Calls() []rpcCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]rpcCall, len(n.calls))
	copy(out, n.calls)
	return out
}

// deadEndpoint returns the URL of a server that is no longer listening.
func deadEndpoint() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func newTestPool(t *testing.T) *ClientPool {
	t.Helper()
	pool := NewClientPool(PoolConfig{}, nil)
	t.Cleanup(pool.Close)
	return pool
}

func u64(n uint64) *uint64 { return &n }
