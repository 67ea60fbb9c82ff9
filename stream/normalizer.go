// Package stream turns raw host output into complete logical lines.
package stream

import (
	"regexp"
	"strings"

	"github.com/jxucoder/bbsbot/model"
)

var sgrPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripANSI removes ANSI SGR (colour/attribute) escape sequences.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	return sgrPattern.ReplaceAllString(s, "")
}

// Normalizer buffers partial input and emits complete lines. Line endings
// are unified before splitting so that "\r\n" never produces an empty line.
//
// A Normalizer is not safe for concurrent use.
type Normalizer struct {
	partial   strings.Builder
	pendingCR bool
}

// NewNormalizer returns an empty Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Feed appends chunk to the buffer and returns every line it completes.
// The output depends only on the concatenation of all chunks fed so far.
func (n *Normalizer) Feed(chunk []byte) []model.LogicalLine {
	if len(chunk) == 0 {
		return nil
	}
	data := string(chunk)
	if n.pendingCR {
		data = "\r" + data
		n.pendingCR = false
	}
	// A trailing CR may be the first half of a CRLF split across reads.
	if strings.HasSuffix(data, "\r") {
		data = data[:len(data)-1]
		n.pendingCR = true
	}
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")

	n.partial.WriteString(data)
	buffered := n.partial.String()
	pieces := strings.Split(buffered, "\n")

	n.partial.Reset()
	n.partial.WriteString(pieces[len(pieces)-1])

	if len(pieces) == 1 {
		return nil
	}
	lines := make([]model.LogicalLine, 0, len(pieces)-1)
	for _, p := range pieces[:len(pieces)-1] {
		lines = append(lines, model.LogicalLine{Raw: p, Clean: StripANSI(p)})
	}
	return lines
}

// Partial returns the text buffered since the last complete line.
func (n *Normalizer) Partial() string {
	return n.partial.String()
}

// Reset discards any buffered partial input.
func (n *Normalizer) Reset() {
	n.partial.Reset()
	n.pendingCR = false
}
