package wire

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"net"
	"sync"
	"time"

	m "github.com/ocx/hubd/internal/model"
)

// IdleTimeout is how long a connection may sit without traffic in
// either direction before it is closed (spec.md §4.A).
const IdleTimeout = 30 * time.Minute

// Envelope is the minimal shape every request/reply carries.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// TokenVerifier checks an account's auth token, returning true on
// match. Implementations must run in constant time.
type TokenVerifier func(account, token string) (bool, error)

// Conn wraps one accepted connection: the raw net.Conn, a resumable
// line reader, and the authenticated-account state (spec.md §3's
// Connection record).
type Conn struct {
	netConn net.Conn
	writer  *bufio.Writer
	reader  *LineReader
	writeMu sync.Mutex

	mu            sync.RWMutex
	account       string
	authenticated bool
	connectedAt   time.Time
	lastActivity  time.Time
	state         m.ConnectionState
}

// NewConn wraps an accepted net.Conn.
func NewConn(nc net.Conn) *Conn {
	now := time.Now().UTC()
	return &Conn{
		netConn:      nc,
		writer:       bufio.NewWriter(nc),
		reader:       &LineReader{},
		connectedAt:  now,
		lastActivity: now,
		state:        m.ConnNew,
	}
}

// Feed parses newly read bytes into complete lines, touching the
// idle-timeout activity clock.
func (c *Conn) Feed(chunk []byte) ([][]byte, error) {
	c.touch()
	return c.reader.Feed(chunk)
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// IdleFor reports how long the connection has been silent.
func (c *Conn) IdleFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastActivity)
}

// WriteJSON marshals v and writes it as a single NDJSON line, one frame
// at a time under a write mutex so replies on one connection are never
// interleaved (spec.md §4.B).
func (c *Conn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.touch()
	return nil
}

// Authenticate marks the connection authenticated under account.
func (c *Conn) Authenticate(account string) {
	c.mu.Lock()
	c.account = account
	c.authenticated = true
	c.state = m.ConnAuthenticated
	c.mu.Unlock()
}

// Account returns the authenticated account name, or "" if none.
func (c *Conn) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// Authenticated reports whether the connection completed the handshake.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Snapshot returns a point-in-time copy of the Connection record.
func (c *Conn) Snapshot() m.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return m.Connection{
		Account:       c.account,
		Authenticated: c.authenticated,
		RemoteAddr:    c.netConn.RemoteAddr().String(),
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = m.ConnClosed
	c.mu.Unlock()
	return c.netConn.Close()
}

// ConstantTimeEqual compares two tokens without leaking timing
// information, used by the auth handshake (spec.md §4.A).
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// still run a comparison of equal length to avoid a fast
		// short-circuit leaking the expected token's length too cheaply
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
