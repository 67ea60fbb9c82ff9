package command

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultOrder is the command priority used when several tokens appear in
// one message.
var DefaultOrder = []string{
	"weather", "yt", "search", "chat", "news", "map", "pic", "help",
	"stocks", "crypto", "gif", "doc", "seen", "said", "who", "msg", "timer",
	"greeting", "nospam",
}

// Entry binds a "!token" to its provider.
type Entry struct {
	Token    string
	Name     string
	Provider Provider
}

// Table is an ordered command table. Earlier entries win.
type Table []Entry

// NewTable builds a table from the names in order that have a registered
// provider, followed by any other registered names in sorted order.
func NewTable(reg *Registry, order []string) Table {
	var t Table
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.ToLower(name)
		if seen[name] {
			return
		}
		p, ok := reg.Lookup(name)
		if !ok {
			return
		}
		seen[name] = true
		t = append(t, Entry{Token: "!" + name, Name: name, Provider: p})
	}
	for _, name := range order {
		add(name)
	}
	for _, name := range reg.Names() {
		add(name)
	}
	return t
}

// Names returns the command names in priority order.
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i, e := range t {
		names[i] = e.Name
	}
	return names
}

// Match finds the highest-priority entry whose token occurs anywhere in body
// as a whole word, and returns the trimmed text after it as the argument.
func (t Table) Match(body string) (Entry, string, bool) {
	for _, e := range t {
		if i := indexToken(body, e.Token); i >= 0 {
			return e, strings.TrimSpace(body[i+len(e.Token):]), true
		}
	}
	return Entry{}, "", false
}

// indexToken returns the byte offset of the first case-insensitive
// occurrence of tok in s that is followed by whitespace or the end of s.
func indexToken(s, tok string) int {
	for i := 0; i+len(tok) <= len(s); i++ {
		if s[i] != tok[0] || !strings.EqualFold(s[i:i+len(tok)], tok) {
			continue
		}
		rest := s[i+len(tok):]
		if rest == "" {
			return i
		}
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsSpace(r) {
			return i
		}
	}
	return -1
}
