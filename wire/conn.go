package wire

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// probeWindow is how long a non-blocking probe waits for bytes that may be
// in flight. The pairing worker and the session engine use probes to catch
// messages sent in the same scheduling tick, so the window only needs to
// cover kernel buffer delivery, not client think time.
const probeWindow = 10 * time.Millisecond

// writeTimeout bounds every send so a dead peer fails the connection
// instead of wedging its owning worker.
const writeTimeout = 10 * time.Second

// ProbeResult classifies the outcome of a non-blocking read attempt.
type ProbeResult int

const (
	// ProbeEmpty means the peer is connected but has sent nothing.
	ProbeEmpty ProbeResult = iota
	// ProbeData means at least one byte is buffered and a blocking read
	// will not block.
	ProbeData
	// ProbeHangup means the peer closed the connection.
	ProbeHangup
	// ProbeError means the read failed with a hard error.
	ProbeError
)

// Conn is a connection owned by exactly one server component at a time.
// Only the owning component may read from it; ownership moves together
// with the pushback byte, so a readiness peek performed by the previous
// owner is never lost across a handoff.
//
// Conn is not safe for concurrent reads. SetReadDeadline and Close may be
// called from another goroutine to wake a blocked read.
type Conn struct {
	raw      net.Conn
	id       uint64
	pending  byte
	buffered bool
	closed   atomic.Bool
	onClose  func(id uint64)
}

// NewConn wraps an accepted connection. onClose, if non-nil, runs once when
// the connection is closed, with the connection's id.
func NewConn(raw net.Conn, id uint64, onClose func(id uint64)) *Conn {
	return &Conn{raw: raw, id: id, onClose: onClose}
}

// ID returns the server-assigned connection id, used for logging and the
// live-connection registry.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.raw.Close()
	if c.onClose != nil {
		c.onClose(c.id)
	}
	return err
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// SetReadDeadline exposes the raw deadline so a readiness watcher can be
// woken out of a blocked Peek during ownership handoff.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Peek blocks until one byte is available and stores it in the pushback
// buffer. It returns immediately if a byte is already buffered. A deadline
// set concurrently via SetReadDeadline surfaces as a would-block error.
func (c *Conn) Peek() error {
	if c.buffered {
		return nil
	}
	var b [1]byte
	n, err := c.raw.Read(b[:])
	if n == 1 {
		c.pending = b[0]
		c.buffered = true
		return nil
	}
	if err == nil {
		// A zero-length read without an error is treated as a hangup, the
		// same as a short read anywhere else in the protocol.
		return io.EOF
	}
	return err
}

// HasBuffered reports whether a peeked byte is waiting to be consumed.
func (c *Conn) HasBuffered() bool { return c.buffered }

// ReadOpcode blocks until one opcode byte is read, consuming the pushback
// byte first if one is buffered.
func (c *Conn) ReadOpcode() (Opcode, error) {
	if c.buffered {
		c.buffered = false
		return Opcode(c.pending), nil
	}
	_ = c.raw.SetReadDeadline(time.Time{})
	var b [1]byte
	if _, err := io.ReadFull(c.raw, b[:]); err != nil {
		return 0, err
	}
	return Opcode(b[0]), nil
}

// ReadMoveset reads the 3-byte move payload that follows a Move opcode.
func (c *Conn) ReadMoveset() (Moveset, error) {
	var m Moveset
	if err := c.readFull(m[:]); err != nil {
		return Moveset{}, err
	}
	return m, nil
}

// ReadCredentials reads the signup/login framing: two one-byte length
// prefixes followed by the username and password fields.
func (c *Conn) ReadCredentials() (username, password string, err error) {
	var lengths [2]byte
	if err = c.readFull(lengths[:]); err != nil {
		return "", "", err
	}
	fields := make([]byte, int(lengths[0])+int(lengths[1]))
	if err = c.readFull(fields); err != nil {
		return "", "", err
	}
	return string(fields[:lengths[0]]), string(fields[lengths[0]:]), nil
}

func (c *Conn) readFull(buf []byte) error {
	i := 0
	for c.buffered && i < len(buf) {
		buf[i] = c.pending
		c.buffered = false
		i++
	}
	if i == len(buf) {
		return nil
	}
	_ = c.raw.SetReadDeadline(time.Time{})
	_, err := io.ReadFull(c.raw, buf[i:])
	return err
}

// WriteOpcode sends a bare one-byte message.
func (c *Conn) WriteOpcode(op Opcode) error {
	return c.write([]byte{byte(op)})
}

// WriteMove sends an opcode followed by a moveset in a single write, as
// required for move, lost, draw and forfeit notices that relay a move.
func (c *Conn) WriteMove(op Opcode, m Moveset) error {
	return c.write([]byte{byte(op), m[0], m[1], m[2]})
}

func (c *Conn) write(buf []byte) error {
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := c.raw.Write(buf)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// Probe performs a non-blocking read attempt: it reports buffered data
// without consuming it, distinguishes "nothing sent yet" from a hangup or a
// hard failure, and never blocks beyond the short probe window. This is the
// peek-before-pair primitive of the matchmaking queue and the same-tick
// check of the session engine.
func (c *Conn) Probe() ProbeResult {
	if c.buffered {
		return ProbeData
	}
	_ = c.raw.SetReadDeadline(time.Now().Add(probeWindow))
	var b [1]byte
	n, err := c.raw.Read(b[:])
	if n == 1 {
		c.pending = b[0]
		c.buffered = true
		return ProbeData
	}
	switch {
	case IsWouldBlock(err):
		return ProbeEmpty
	case err == nil || IsHangup(err):
		return ProbeHangup
	default:
		return ProbeError
	}
}

// Drain discards anything the peer may have sent without blocking. It is
// used just before a termination notice: a message that arrived in the same
// instant is inconsequential once the match is ending, but it must not be
// left to corrupt the peer's next protocol state. The result reports the
// connection's health, not what was discarded.
func (c *Conn) Drain() ProbeResult {
	c.buffered = false
	_ = c.raw.SetReadDeadline(time.Now().Add(probeWindow))
	buf := make([]byte, MovesetLen+1)
	n, err := c.raw.Read(buf)
	if err == nil && n > 0 {
		return ProbeData
	}
	switch {
	case IsWouldBlock(err):
		return ProbeEmpty
	case err == nil || IsHangup(err):
		return ProbeHangup
	default:
		return ProbeError
	}
}

// IsWouldBlock reports whether err is transient non-readiness: a deadline
// expiry rather than a connection failure.
func IsWouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsHangup reports whether err means the peer is gone rather than broken:
// an orderly close or a short read, both treated identically by the
// failure paths.
func IsHangup(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsClosedConn reports whether err indicates the descriptor was already
// invalid, in which case the failure handler must not close it again.
func IsClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
