package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func execute(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	serverURL = srvURL
	sayMode, sayTo, msgFrom = "public", "", "operator"
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--server", srvURL))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseSettings(t *testing.T) {
	patch, err := parseSettings([]string{"nospam=x"})
	if err == nil {
		t.Fatalf("expected error for unknown key, got %v", patch)
	}

	patch, err = parseSettings([]string{"no-spam=true", "line_limit=120", "inter_chunk_delay=250ms"})
	if err != nil {
		t.Fatalf("parseSettings: %v", err)
	}
	if patch["no_spam"] != true || patch["line_limit"] != 120 || patch["inter_chunk_delay_ms"] != int64(250) {
		t.Fatalf("unexpected patch: %v", patch)
	}

	if _, err := parseSettings([]string{"mud_mode"}); err == nil {
		t.Fatal("expected error for missing value")
	}
	if _, err := parseSettings([]string{"mud_mode=maybe"}); err == nil {
		t.Fatal("expected error for bad bool")
	}
}

func TestSayPostsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/say" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := execute(t, srv.URL, "say", "--mode", "whisper", "--to", "bob", "hi", "there"); err != nil {
		t.Fatalf("say: %v", err)
	}
	if got["mode"] != "whisper" || got["to"] != "bob" || got["text"] != "hi there" {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestStatusPrints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"connected","host":"bbs.example.com","port":23,"config":{"no_spam":false},"roster":["alice","bob"],"commands":["help","who"]}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"connected", "bbs.example.com:23", "alice, bob", "help, who"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"not connected"}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "say", "hello")
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("expected server error, got %v", err)
	}
}
