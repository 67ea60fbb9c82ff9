package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	in     *bytes.Reader
	out    bytes.Buffer
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.in.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeConn) Close() error                { f.closed = true; return nil }

func newFake(in []byte) *fakeConn {
	return &fakeConn{in: bytes.NewReader(in)}
}

func TestStripsNegotiationAndReplies(t *testing.T) {
	in := []byte{iac, do, 24, 'h', 'i', iac, will, optEcho, iac, will, 31, '\r', '\n'}
	fc := newFake(in)
	c := NewConn(fc, false, zap.NewNop())

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hi\r\n", string(got))
	assert.Equal(t, []byte{iac, wont, 24, iac, do, optEcho, iac, dont, 31}, fc.out.Bytes())
}

func TestSkipsSubnegotiation(t *testing.T) {
	in := []byte{'a', iac, sb, 24, 1, iac, se, 'b', iac, iac}
	c := NewConn(newFake(in), false, zap.NewNop())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', iac}, got)
}

func TestDecodesCP437(t *testing.T) {
	// 0x82 is é, 0xB3 is the box-drawing vertical.
	c := NewConn(newFake([]byte{'c', 'a', 'f', 0x82, ' ', 0xB3}), true, zap.NewNop())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "café │", string(got))
}

func TestReadSmallBuffer(t *testing.T) {
	c := NewConn(newFake([]byte{0x82, 0x82, 0x82}), true, zap.NewNop())
	var out []byte
	p := make([]byte, 1)
	for {
		n, err := c.Read(p)
		out = append(out, p[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, "ééé", string(out))
}

func TestEncodesOutput(t *testing.T) {
	fc := newFake(nil)
	c := NewConn(fc, true, zap.NewNop())
	n, err := c.Write([]byte("café\r\n"))
	require.NoError(t, err)
	assert.Equal(t, len("café\r\n"), n)
	assert.Equal(t, []byte{'c', 'a', 'f', 0x82, '\r', '\n'}, fc.out.Bytes())

	fc.out.Reset()
	_, err = c.Write([]byte("snow ☃"))
	require.NoError(t, err, "unsupported runes are replaced, not rejected")
	assert.Len(t, fc.out.Bytes(), 6)
}

func TestCloseClosesUnderlying(t *testing.T) {
	fc := newFake(nil)
	require.NoError(t, NewConn(fc, false, zap.NewNop()).Close())
	assert.True(t, fc.closed)
}
