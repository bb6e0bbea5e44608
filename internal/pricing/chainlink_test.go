package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestChainlinkMissingConfig(t *testing.T) {
	src := NewChainlink(ChainlinkOptions{}, zerolog.Nop())
	if _, err := src.FetchQuote(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	src = NewChainlink(ChainlinkOptions{RPCURL: "http://localhost"}, zerolog.Nop())
	if _, err := src.FetchQuote(context.Background()); err == nil {
		t.Fatal("缺少合约地址应报错")
	}
}

func TestChainlinkFetchQuote(t *testing.T) {
	decimalsOut, err := aggregatorABI.Methods["decimals"].Outputs.Pack(uint8(8))
	if err != nil {
		t.Fatalf("pack decimals: %v", err)
	}
	roundOut, err := aggregatorABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(1),
		big.NewInt(6_412_345_000_000),
		big.NewInt(1713571000),
		big.NewInt(1713571000),
		big.NewInt(1),
	)
	if err != nil {
		t.Fatalf("pack latestRoundData: %v", err)
	}
	decimalsSel := aggregatorABI.Methods["decimals"].ID
	roundSel := aggregatorABI.Methods["latestRoundData"].ID

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		if req.Method != "eth_call" || len(req.Params) == 0 {
			t.Errorf("unexpected rpc method %s", req.Method)
			return
		}
		var call struct {
			Data  hexutil.Bytes `json:"data"`
			Input hexutil.Bytes `json:"input"`
		}
		_ = json.Unmarshal(req.Params[0], &call)
		data := call.Input
		if len(data) == 0 {
			data = call.Data
		}

		var result []byte
		switch {
		case bytes.HasPrefix(data, decimalsSel):
			result = decimalsOut
		case bytes.HasPrefix(data, roundSel):
			result = roundOut
		default:
			t.Errorf("unexpected selector %x", data)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  hexutil.Encode(result),
		})
	}))
	defer srv.Close()

	src := NewChainlink(ChainlinkOptions{
		RPCURL:     srv.URL,
		Aggregator: "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
		Timeout:    time.Second,
	}, zerolog.Nop())

	q, err := src.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("FetchQuote: %v", err)
	}
	if !q.Value.Equal(decimal.RequireFromString("64123.45")) {
		t.Fatalf("rate = %s, want 64123.45", q.Value)
	}
}
