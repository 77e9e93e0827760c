package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/rollnet/internal/util"
)

// Wrong PINs are limited per remote IP so a short PIN cannot be brute forced.
const (
	pinFailRate  = rate.Limit(0.2) // per second
	pinFailBurst = 5
)

// ErrClosed is returned by Accept once the listener is closed.
var ErrClosed = errors.New("signaling server closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server is the host-side WebSocket endpoint of the lobby. It queues up to
// capacity authenticated guests for Accept; later ones are turned away.
type server struct {
	pin    string
	http   *http.Server
	connCh chan *websocket.Conn
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	failures map[string]*rate.Limiter // remote IP → wrong PIN budget
}

func newServer(pin string, capacity int) *server {
	if capacity < 1 {
		capacity = 1
	}
	return &server{
		pin:      pin,
		connCh:   make(chan *websocket.Conn, capacity),
		done:     make(chan struct{}),
		failures: make(map[string]*rate.Limiter),
	}
}

// start begins listening on addr (":0" picks a random port) and returns the
// bound port.
func (s *server) start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if s.lockedOut(ip) {
		http.Error(w, "Too many attempts", http.StatusTooManyRequests)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("pin")), []byte(s.pin)) != 1 {
		s.recordFailure(ip)
		util.LogWarning("signaling: wrong PIN from %s", ip)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case s.connCh <- conn:
	default:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "lobby full"))
		conn.Close()
	}
}

// lockedOut reports whether ip has used up its wrong PIN budget.
func (s *server) lockedOut(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.failures[ip]
	return ok && lim.Tokens() < 1
}

func (s *server) recordFailure(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.failures[ip]
	if !ok {
		lim = rate.NewLimiter(pinFailRate, pinFailBurst)
		s.failures[ip] = lim
	}
	lim.Allow()
}

// waitForClient blocks until an authenticated guest connects, the server
// closes or ctx is cancelled.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close shuts the server down and drops queued guests.
func (s *server) close() {
	s.once.Do(func() {
		close(s.done)
		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = s.http.Shutdown(ctx)
		}
	})
	for {
		select {
		case conn := <-s.connCh:
			conn.Close()
		default:
			return
		}
	}
}

// connect dials the host's WebSocket URL.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WS server: %s", resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// generatePIN returns a random numeric PIN of the specified length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
