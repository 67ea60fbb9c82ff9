package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jxucoder/bbsbot/command"
	"github.com/jxucoder/bbsbot/model"
)

func TestInvokeJSON(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"reply":" Sunny, 21C "}`))
	}))
	defer srv.Close()

	p := New(srv.URL, "secret")
	reply, err := p.Invoke(context.Background(), "weather", "Berlin", command.Context{
		Requester: "alice",
		Kind:      model.KindPublic,
		Roster:    []string{"alice"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply != "Sunny, 21C" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got.Command != "weather" || got.Argument != "Berlin" || got.Requester != "alice" || got.Kind != "public" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestInvokePlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain answer\n"))
	}))
	defer srv.Close()

	reply, err := New(srv.URL, "").Invoke(context.Background(), "news", "", command.Context{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply != "plain answer" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestInvokeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			http.Error(w, "upstream down", http.StatusBadGateway)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"error":"unknown city"}`))
		}
	}))
	defer srv.Close()

	_, err := New(srv.URL+"/fail", "").Invoke(context.Background(), "weather", "x", command.Context{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}

	_, err = New(srv.URL, "").Invoke(context.Background(), "weather", "x", command.Context{})
	if err == nil || err.Error() != "unknown city" {
		t.Fatalf("expected endpoint error, got %v", err)
	}
}
