package outbound

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/bbsbot/model"
)

func TestChunkPacksWords(t *testing.T) {
	got := Chunk("the quick brown fox jumps", 10)
	assert.Equal(t, []string{"the quick", "brown fox", "jumps"}, got)
}

func TestChunkKeepsEmptyParagraphs(t *testing.T) {
	got := Chunk("one\n\ntwo", 20)
	assert.Equal(t, []string{"one", "", "two"}, got)
}

func TestChunkOversizedWord(t *testing.T) {
	got := Chunk("a supercalifragilistic b", 5)
	assert.Equal(t, []string{"a", "supercalifragilistic", "b"}, got)
}

func TestChunkBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := []string{"a", "bb", "ccc", "dddd", "eeeeeeeeeeee", "ffffffffffffffffffffff", "\n"}
	for trial := 0; trial < 300; trial++ {
		var sb strings.Builder
		for i := 0; i < rng.Intn(40); i++ {
			sb.WriteString(words[rng.Intn(len(words))])
			sb.WriteByte(' ')
		}
		limit := 1 + rng.Intn(30)
		for _, c := range Chunk(sb.String(), limit) {
			if len(c) > limit {
				assert.NotContains(t, c, " ", "only single words may exceed the limit (limit %d): %q", limit, c)
			}
		}
	}
}

func TestAddressModes(t *testing.T) {
	chunks := []string{"hello"}
	assert.Equal(t, []string{"hello"}, Address(chunks, model.ModePublic, "", false))
	assert.Equal(t, []string{"Whisper to bob hello"}, Address(chunks, model.ModeWhisper, "bob", false))
	assert.Equal(t, []string{"/P bob hello"}, Address(chunks, model.ModePage, "bob", false))
	assert.Equal(t, []string{">bob hello"}, Address(chunks, model.ModeDirect, "bob", false))
}

func TestAddressMudMode(t *testing.T) {
	got := Address([]string{"hi", "", "there"}, model.ModePublic, "", true)
	assert.Equal(t, []string{"Gos hi", "Gos there"}, got)

	got = Address([]string{"hi"}, model.ModeDirect, "dave", true)
	assert.Equal(t, []string{"Gos >dave hi"}, got)
}

func TestNewJobAndLines(t *testing.T) {
	job := NewJob(model.ModeDirect, "dave", "", "Message from amy: hi", 250)
	assert.Equal(t, []string{">dave Message from amy: hi"}, Lines(job, false))
}

func TestWriterSendsInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	require.NoError(t, w.Send(context.Background(), []string{"a", "b"}))
	require.NoError(t, w.WriteLine(""))
	assert.Equal(t, "a\r\nb\r\n\r\n", buf.String())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func TestWriterDoesNotInterleaveJobs(t *testing.T) {
	out := &lockedBuffer{}
	w := NewWriter(out, time.Millisecond)

	var wg sync.WaitGroup
	for _, tag := range []string{"x", "y", "z"} {
		tag := tag
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Send(context.Background(), []string{tag + "1", tag + "2", tag + "3"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.buf.String(), "\r\n"), "\r\n")
	require.Len(t, lines, 9)
	for i := 0; i < 9; i += 3 {
		tag := lines[i][:1]
		assert.Equal(t, []string{tag + "1", tag + "2", tag + "3"}, lines[i:i+3])
	}
}

func TestWriterHonoursContext(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Send(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "a\r\n", buf.String())
}
