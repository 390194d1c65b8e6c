package estimate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestHTTPFactionsMultiplier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/factions/arasaka/standing" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"multiplier": 0.9}`))
	}))
	defer srv.Close()

	f := NewHTTPFactions(srv.URL, time.Second)
	m, err := f.Multiplier(context.Background(), "arasaka")
	if err != nil {
		t.Fatalf("Multiplier: %v", err)
	}
	if !m.Equal(decimal.NewFromFloat(0.9)) {
		t.Fatalf("multiplier = %s, want 0.9", m)
	}
}

func TestHTTPFactionsRejectsBadStanding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"multiplier": 0}`))
	}))
	defer srv.Close()

	f := NewHTTPFactions(srv.URL, time.Second)
	if _, err := f.Multiplier(context.Background(), "arasaka"); err == nil {
		t.Fatal("non-positive multiplier must error so the estimator degrades to 1.0")
	}
}

func TestHTTPFactionsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFactions(srv.URL, time.Second)
	if _, err := f.Multiplier(context.Background(), "arasaka"); err == nil {
		t.Fatal("expected error on upstream failure")
	}
}
