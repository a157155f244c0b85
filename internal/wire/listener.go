package wire

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	m "github.com/ocx/hubd/internal/model"
)

// preAuthAllowed lists the request types permitted on an
// unauthenticated connection (spec.md §4.A).
var preAuthAllowed = map[string]bool{
	"ping":          true,
	"config_reload": true,
}

// Dispatcher is implemented by the request router; the wire layer
// depends on this narrow interface rather than importing the router
// package directly, keeping J→E→D,H,I→C,F,G→B→A a strict dependency
// order with no cycle back through A.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Conn, msgType, requestID string, raw json.RawMessage)
}

// EventEmitter is the narrow slice of the event bus the wire layer
// needs, to emit account_superseded without importing internal/events.
type EventEmitter interface {
	Emit(eventType m.TaskEventType, taskID string, data map[string]interface{})
}

// Listener binds the daemon's Unix domain socket and accepts
// connections, handling framing, the auth handshake, idle timeout, and
// connection supersession before handing authenticated requests to a
// Dispatcher.
type Listener struct {
	socketPath string
	verify     TokenVerifier
	dispatcher Dispatcher
	events     EventEmitter
	logger     *slog.Logger
	strict     bool

	mu        sync.Mutex
	byAccount map[string]*Conn
	ln        net.Listener
	wg        sync.WaitGroup
	closing   bool
}

// NewListener constructs a Listener. strict controls whether
// unauthorized pre-auth traffic gets an explicit unauthorized error
// reply (true) or is silently dropped (false, the spec.md §8 default
// testable behavior).
func NewListener(socketPath string, verify TokenVerifier, dispatcher Dispatcher, events EventEmitter, logger *slog.Logger, strict bool) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		socketPath: socketPath,
		verify:     verify,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
		strict:     strict,
		byAccount:  make(map[string]*Conn),
	}
}

// SetDispatcher wires the router after construction, breaking the
// Listener/Dispatcher construction cycle: cmd/hubd builds the Listener
// first (the router's Presence dependency), then the Router, then
// hands the Router back in here before calling Serve.
func (l *Listener) SetDispatcher(d Dispatcher) {
	l.dispatcher = d
}

// Start removes any stale socket file and binds a fresh listener.
func (l *Listener) Start() error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Serve accepts connections until Stop is called or the listener fails.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		conn := NewConn(nc)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and every open connection, then waits for
// their goroutines to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.closing = true
	conns := make([]*Conn, 0, len(l.byAccount))
	for _, c := range l.byAccount {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	if l.ln != nil {
		l.ln.Close()
	}
	for _, c := range conns {
		c.WriteJSON(map[string]string{"type": "terminal", "reason": "shutdown"})
		c.Close()
	}
	l.wg.Wait()
	os.Remove(l.socketPath)
}

func (l *Listener) serveConn(ctx context.Context, conn *Conn) {
	defer conn.Close()

	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-idleTicker.C:
				if conn.IdleFor() >= IdleTimeout {
					conn.Close()
					return
				}
			}
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.netConn.Read(buf)
		if n > 0 {
			lines, feedErr := conn.Feed(buf[:n])
			for _, line := range lines {
				l.handleLine(ctx, conn, line)
			}
			if feedErr != nil {
				l.logger.Warn("wire: line exceeded cap, closing connection", "remote", conn.netConn.RemoteAddr())
				conn.WriteJSON(map[string]string{"type": "error", "code": "io", "error": feedErr.Error()})
				return
			}
		}
		if err != nil {
			l.unregister(conn)
			return
		}
	}
}

func (l *Listener) handleLine(ctx context.Context, conn *Conn, line []byte) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		l.logger.Warn("wire: malformed json line, continuing", "error", err)
		return
	}
	env.Raw = line

	if env.Type == "auth" {
		l.handleAuth(conn, line, env.RequestID)
		return
	}

	if !conn.Authenticated() && !preAuthAllowed[env.Type] {
		if l.strict {
			conn.WriteJSON(map[string]string{"type": "error", "requestId": env.RequestID, "code": "unauthorized", "error": "not authenticated"})
		}
		return
	}

	l.dispatcher.Dispatch(ctx, conn, env.Type, env.RequestID, line)
}

type authRequest struct {
	Account   string `json:"account"`
	Token     string `json:"token"`
	RequestID string `json:"requestId"`
}

func (l *Listener) handleAuth(conn *Conn, line []byte, requestID string) {
	var req authRequest
	if err := json.Unmarshal(line, &req); err != nil {
		conn.WriteJSON(map[string]string{"type": "auth_fail", "requestId": requestID, "error": "malformed auth request"})
		return
	}

	ok, err := l.verify(req.Account, req.Token)
	if err != nil || !ok {
		conn.WriteJSON(map[string]string{"type": "auth_fail", "requestId": requestID, "error": "invalid credentials"})
		conn.Close()
		return
	}

	l.supersede(req.Account, conn)
	conn.Authenticate(req.Account)
	conn.WriteJSON(map[string]string{"type": "auth_ok", "requestId": requestID})
}

func (l *Listener) supersede(account string, next *Conn) {
	l.mu.Lock()
	prev, exists := l.byAccount[account]
	l.byAccount[account] = next
	l.mu.Unlock()

	if exists && prev != next {
		prev.WriteJSON(map[string]string{"type": "terminal", "reason": "superseded"})
		prev.Close()
		if l.events != nil {
			l.events.Emit(m.EventAccountSuperseded, "", map[string]interface{}{"account": account})
		}
	}
}

func (l *Listener) unregister(conn *Conn) {
	account := conn.Account()
	if account == "" {
		return
	}
	l.mu.Lock()
	if l.byAccount[account] == conn {
		delete(l.byAccount, account)
	}
	l.mu.Unlock()
}

// IsConnected reports whether account currently has an authenticated
// connection registered.
func (l *Listener) IsConnected(account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byAccount[account]
	return ok
}

// ConnectedAccounts lists every account with a currently registered
// authenticated connection, for health_check.
func (l *Listener) ConnectedAccounts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.byAccount))
	for account := range l.byAccount {
		out = append(out, account)
	}
	return out
}
