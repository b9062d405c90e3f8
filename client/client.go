// Package client is a synchronous driver for the chess server's wire
// protocol, covering everything a conforming front-end needs: account
// commands, matchmaking and in-match play. The server's end-to-end tests
// use it as their harness.
package client

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/smercas/chess-server/wire"
)

// Config holds connection parameters for a protocol client.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// ConnectTimeout is the max duration for establishing the connection.
	ConnectTimeout time.Duration
	// ReadTimeout bounds every Recv; 0 blocks forever.
	ReadTimeout time.Duration
	// WriteTimeout bounds every send; 0 blocks forever.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sane timeouts for the given
// address.
func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Client is one connection speaking the wire protocol. It is synchronous
// and not safe for concurrent use.
type Client struct {
	cfg  Config
	conn net.Conn
}

// Dial connects to the server.
func Dial(cfg Config) (*Client, error) {
	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send transmits a bare opcode.
func (c *Client) Send(op wire.Opcode) error {
	return c.write([]byte{byte(op)})
}

// SendMove transmits a move opcode with its 3-byte payload.
func (c *Client) SendMove(ms wire.Moveset) error {
	return c.write([]byte{byte(wire.Move), ms[0], ms[1], ms[2]})
}

// SendCredentials transmits a signup_data or login_data message.
func (c *Client) SendCredentials(op wire.Opcode, username, password string) error {
	if len(username) > wire.MaxCredentialLen || len(password) > wire.MaxCredentialLen {
		return fmt.Errorf("credential field exceeds %d bytes", wire.MaxCredentialLen)
	}
	buf := make([]byte, 0, 3+len(username)+len(password))
	buf = append(buf, byte(op), byte(len(username)), byte(len(password)))
	buf = append(buf, username...)
	buf = append(buf, password...)
	return c.write(buf)
}

// Recv reads the next opcode.
func (c *Client) Recv() (wire.Opcode, error) {
	var b [1]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return wire.Opcode(b[0]), nil
}

// RecvMoveset reads the 3-byte moveset that trails an opcode such as
// move, lost, draw or forfeit.
func (c *Client) RecvMoveset() (wire.Moveset, error) {
	var ms wire.Moveset
	if err := c.read(ms[:]); err != nil {
		return wire.Moveset{}, err
	}
	return ms, nil
}

// Signup registers an account and waits for the server's answer. It
// returns true on confirmation, false on rejection.
func (c *Client) Signup(username, password string) (bool, error) {
	return c.authenticate(wire.SignupData, username, password)
}

// Login authenticates and waits for the server's answer.
func (c *Client) Login(username, password string) (bool, error) {
	return c.authenticate(wire.LoginData, username, password)
}

func (c *Client) authenticate(op wire.Opcode, username, password string) (bool, error) {
	if err := c.SendCredentials(op, username, password); err != nil {
		return false, err
	}
	answer, err := c.Recv()
	if err != nil {
		return false, err
	}
	switch answer {
	case wire.Confirmation:
		return true, nil
	case wire.Rejection:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected reply %s to %s", answer, op)
	}
}

func (c *Client) write(buf []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

func (c *Client) read(buf []byte) error {
	if c.cfg.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return err
		}
	}
	_, err := io.ReadFull(c.conn, buf)
	return err
}
