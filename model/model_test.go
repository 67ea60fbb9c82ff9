package model

import (
	"reflect"
	"testing"
)

func TestTruncateShortString(t *testing.T) {
	got := Truncate("hello", 10)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("expected 'hello...', got %q", got)
	}
}

func TestTruncateVerySmallMaxLen(t *testing.T) {
	got := Truncate("hello", 2)
	if got != "he" {
		t.Fatalf("expected 'he', got %q", got)
	}
}

func TestTruncateUnicode(t *testing.T) {
	got := Truncate("こんにちは世界", 6)
	if got != "こんに..." {
		t.Fatalf("expected 'こんに...', got %q", got)
	}
}

func TestRosterCaseInsensitive(t *testing.T) {
	r := NewRoster("Alice", "alice", "bob", " ", "")
	if r.Len() != 2 {
		t.Fatalf("expected 2 members, got %d (%v)", r.Len(), r.Names())
	}
	if !r.Has("ALICE") || !r.Has("Bob") {
		t.Fatalf("expected case-insensitive membership, got %v", r.Names())
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"Alice", "bob"}) {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestRosterAdded(t *testing.T) {
	prior := NewRoster("alice", "bob")
	next := NewRoster("bob", "carol", "Dave")
	got := next.Added(prior)
	if !reflect.DeepEqual(got, []string{"carol", "Dave"}) {
		t.Fatalf("unexpected added: %v", got)
	}
	if next.Equal(prior) {
		t.Fatal("rosters should differ")
	}
	if !NewRoster("A", "b").Equal(NewRoster("B", "a")) {
		t.Fatal("rosters should be equal ignoring case")
	}
}

func TestZeroRosterIsEmpty(t *testing.T) {
	var r Roster
	if r.Has("x") || r.Len() != 0 || len(r.Names()) != 0 {
		t.Fatal("zero roster should be empty")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModePublic, "Whisper": ModeWhisper, "page": ModePage, " direct ": ModeDirect}
	for in, want := range cases {
		got, ok := ParseMode(in)
		if !ok || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseMode("shout"); ok {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestKindActionable(t *testing.T) {
	for _, k := range []Kind{KindPublic, KindWhisper, KindPage, KindDirect} {
		if !k.Actionable() {
			t.Fatalf("%s should be actionable", k)
		}
	}
	for _, k := range []Kind{KindJoin, KindRosterComplete, KindUnclassified, KindSystemPrompt} {
		if k.Actionable() {
			t.Fatalf("%s should not be actionable", k)
		}
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	if !cfg.AutoGreeting || cfg.NoSpam || cfg.MudMode {
		t.Fatalf("unexpected toggles: %+v", cfg)
	}
	if cfg.LineLimit != 250 {
		t.Fatalf("expected line limit 250, got %d", cfg.LineLimit)
	}
}
