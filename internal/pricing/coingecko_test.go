package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestCoinGeckoFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("ids") != "bitcoin" {
			t.Errorf("ids = %q", r.URL.Query().Get("ids"))
		}
		if r.Header.Get("x-cg-demo-api-key") != "k" {
			t.Errorf("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":64123.45}}`))
	}))
	defer srv.Close()

	src := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, zerolog.Nop())
	q, err := src.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Value.Equal(decimal.RequireFromString("64123.45")) {
		t.Fatalf("rate = %s, want 64123.45", q.Value)
	}
	if q.Source != "coingecko" {
		t.Fatalf("source = %q", q.Source)
	}
}

func TestCoinGeckoFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":{"error_code":429,"error_message":"rate limited"}}`))
	}))
	defer srv.Close()

	src := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := src.FetchQuote(context.Background())
	if err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
	if got := err.Error(); got != "coingecko api error (429): rate limited" {
		t.Fatalf("error = %q", got)
	}
}

func TestCoinGeckoMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3000}}`))
	}))
	defer srv.Close()

	src := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := src.FetchQuote(context.Background()); err == nil {
		t.Fatal("missing bitcoin.usd should fail")
	}
}
