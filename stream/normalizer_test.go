package stream

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/bbsbot/model"
)

func feedAll(n *Normalizer, chunks ...string) []model.LogicalLine {
	var out []model.LogicalLine
	for _, c := range chunks {
		out = append(out, n.Feed([]byte(c))...)
	}
	return out
}

func TestFeedSplitsOnAllLineEndings(t *testing.T) {
	n := NewNormalizer()
	lines := n.Feed([]byte("one\r\ntwo\rthree\nfour"))

	require.Len(t, lines, 3)
	assert.Equal(t, "one", lines[0].Clean)
	assert.Equal(t, "two", lines[1].Clean)
	assert.Equal(t, "three", lines[2].Clean)
	assert.Equal(t, "four", n.Partial())
}

func TestFeedKeepsRawAndStripsSGR(t *testing.T) {
	n := NewNormalizer()
	lines := n.Feed([]byte("\x1b[1;33mFrom bob:\x1b[0m hi\n"))

	require.Len(t, lines, 1)
	assert.Equal(t, "\x1b[1;33mFrom bob:\x1b[0m hi", lines[0].Raw)
	assert.Equal(t, "From bob: hi", lines[0].Clean)
}

func TestFeedCRLFSplitAcrossChunks(t *testing.T) {
	n := NewNormalizer()
	lines := feedAll(n, "alpha\r", "\nbeta\r\n")

	require.Len(t, lines, 2)
	assert.Equal(t, "alpha", lines[0].Clean)
	assert.Equal(t, "beta", lines[1].Clean)
}

func TestFeedEmptyLinesPreserved(t *testing.T) {
	n := NewNormalizer()
	lines := n.Feed([]byte("a\n\nb\n"))

	require.Len(t, lines, 3)
	assert.Equal(t, "", lines[1].Clean)
	assert.Equal(t, "", n.Partial())
}

func TestSplitInputYieldsOneLine(t *testing.T) {
	n := NewNormalizer()
	assert.Empty(t, n.Feed([]byte("From al")))
	lines := n.Feed([]byte("ice: !weather 10001\n"))

	require.Len(t, lines, 1)
	assert.Equal(t, "From alice: !weather 10001", lines[0].Clean)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	inputs := []string{
		"From alice: hi\r\nFrom bob (whispered): !weather 10001\r\n",
		"\x1b[32malice@bbs.example.com\x1b[0m\r\nbob@host\rand carol are here with you.\n",
		"\r\r\n\n\r",
		":***\r\n-> dave walks in\r\npartial tail",
	}
	rng := rand.New(rand.NewSource(42))

	for _, input := range inputs {
		want := NewNormalizer().Feed([]byte(input))
		for trial := 0; trial < 200; trial++ {
			var chunks []string
			rest := input
			for len(rest) > 0 {
				k := rng.Intn(len(rest)) + 1
				chunks = append(chunks, rest[:k])
				rest = rest[k:]
			}
			got := feedAll(NewNormalizer(), chunks...)
			require.Equal(t, want, got, "chunks %q", chunks)
		}
	}
}

func TestResetDropsPartial(t *testing.T) {
	n := NewNormalizer()
	n.Feed([]byte("half a line\r"))
	n.Reset()

	lines := n.Feed([]byte("\nnext\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "", lines[0].Clean)
	assert.Equal(t, "next", lines[1].Clean)
}

func TestStripANSILeavesOtherEscapes(t *testing.T) {
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "\x1b[2Jtext", StripANSI("\x1b[2J\x1b[0mtext"))
}
