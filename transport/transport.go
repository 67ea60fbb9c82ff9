// Package transport connects to the chat host. The Telnet dialer handles
// option negotiation and the host's CP437 code page so the session only
// sees UTF-8 text.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Dialer opens a byte stream to host:port.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string, port int) (io.ReadWriteCloser, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	return f(ctx, host, port)
}

// Telnet dials TCP and wraps the connection in a Conn.
type Telnet struct {
	Timeout time.Duration
	// Raw disables CP437 transcoding.
	Raw    bool
	Logger *zap.Logger
}

// Dial connects to host:port.
func (t *Telnet) Dial(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("connected", zap.String("addr", addr))
	return NewConn(c, !t.Raw, logger), nil
}

// Telnet protocol bytes.
const (
	iac  = 255
	dont = 254
	do   = 253
	wont = 252
	will = 251
	sb   = 250
	se   = 240

	optEcho = 1
	optSGA  = 3
)

type parseState int

const (
	stData parseState = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

// Conn strips telnet commands from the inbound stream, answers option
// requests, and transcodes between CP437 and UTF-8.
type Conn struct {
	rw  io.ReadWriteCloser
	log *zap.Logger

	dec *encoding.Decoder
	enc *encoding.Encoder

	// read side; only the reader goroutine touches these
	state   parseState
	verb    byte
	buf     []byte
	pending []byte
	err     error

	wmu sync.Mutex
}

// NewConn wraps rw. When cp437 is false bytes pass through untranslated.
func NewConn(rw io.ReadWriteCloser, cp437 bool, logger *zap.Logger) *Conn {
	c := &Conn{rw: rw, log: logger, buf: make([]byte, 4096)}
	if cp437 {
		c.dec = charmap.CodePage437.NewDecoder()
		c.enc = encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder())
	}
	return c
}

// Read returns the next chunk of decoded text.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		n, err := c.rw.Read(c.buf)
		c.err = err
		c.pending = c.decode(c.filter(c.buf[:n]))
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) decode(data []byte) []byte {
	if c.dec == nil || len(data) == 0 {
		return data
	}
	decoded, err := c.dec.Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}

func (c *Conn) filter(in []byte) []byte {
	out := in[:0:0]
	for _, b := range in {
		switch c.state {
		case stData:
			if b == iac {
				c.state = stIAC
				continue
			}
			out = append(out, b)
		case stIAC:
			switch b {
			case iac:
				out = append(out, iac)
				c.state = stData
			case do, dont, will, wont:
				c.verb = b
				c.state = stOption
			case sb:
				c.state = stSub
			default:
				c.state = stData
			}
		case stOption:
			c.answer(c.verb, b)
			c.state = stData
		case stSub:
			if b == iac {
				c.state = stSubIAC
			}
		case stSubIAC:
			if b == se {
				c.state = stData
			} else {
				c.state = stSub
			}
		}
	}
	return out
}

// answer refuses every option except the server echoing and suppressing
// go-ahead, which line-mode chat hosts commonly require.
func (c *Conn) answer(verb, opt byte) {
	var reply byte
	switch verb {
	case do:
		reply = wont
	case will:
		if opt == optEcho || opt == optSGA {
			reply = do
		} else {
			reply = dont
		}
	default:
		return
	}
	c.log.Debug("telnet negotiation", zap.Uint8("verb", verb), zap.Uint8("option", opt), zap.Uint8("reply", reply))
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rw.Write([]byte{iac, reply, opt}); err != nil {
		c.log.Debug("telnet negotiation reply failed", zap.Error(err))
	}
}

// Write transcodes p and escapes IAC bytes.
func (c *Conn) Write(p []byte) (int, error) {
	data := p
	if c.enc != nil {
		encoded, err := c.enc.Bytes(p)
		if err != nil {
			return 0, fmt.Errorf("encoding output: %w", err)
		}
		data = encoded
	}
	escaped := make([]byte, 0, len(data))
	for _, b := range data {
		escaped = append(escaped, b)
		if b == iac {
			escaped = append(escaped, iac)
		}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rw.Write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rw.Close()
}
