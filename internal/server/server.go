// Package server hosts the TCP chat service. It owns the worker pool that
// runs one handler per connection and the memory manager that bounds chat
// history, and starts and stops them together.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"chathub/internal/chat"
	"chathub/internal/logging"
	"chathub/internal/memory"
	"chathub/internal/workerpool"
)

const (
	// DefaultWriteTimeout bounds a single write to a client.
	DefaultWriteTimeout = 5 * time.Second

	maxLineBytes = 64 * 1024
)

// ErrStopTimeout is returned by Stop when connection handlers are still
// running once the stop timeout has passed.
var ErrStopTimeout = errors.New("connections still open after stop timeout")

// Config holds server configuration
type Config struct {
	NodeID        string
	Addr          string
	AdminAddr     string // empty disables the admin endpoint
	MaxClients    int
	HistoryOnJoin int
	WriteTimeout  time.Duration
}

// Server accepts chat connections and hands each one to the worker pool.
type Server struct {
	cfg    Config
	pool   *workerpool.Pool
	memory *memory.Manager
	broker *Broker
	logger *logging.Logger

	listener  net.Listener
	serveConn func(net.Conn) workerpool.HandlerFunc
	admin     *http.Server
	adminLn  net.Listener

	// Connection management
	connections map[string]net.Conn
	connMutex   sync.RWMutex
	total       atomic.Uint64

	// Server state
	ctx        context.Context
	cancel     context.CancelFunc
	acceptDone chan struct{}
	wg         sync.WaitGroup // connection watchers
	running    atomic.Bool
	stopOnce   sync.Once
	stopErr    error
}

// New creates a server around an already constructed pool and memory
// manager. Stop shuts both down.
func New(cfg Config, pool *workerpool.Pool, mem *memory.Manager, logger *logging.Logger) *Server {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		pool:        pool,
		memory:      mem,
		broker:      NewBroker(mem, cfg.HistoryOnJoin, logger),
		logger:      logger,
		connections: make(map[string]net.Conn),
		ctx:         ctx,
		cancel:      cancel,
		acceptDone:  make(chan struct{}),
	}
	s.serveConn = s.handler
	return s
}

// Start starts listening for chat clients and, if configured, the admin
// endpoint.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	if s.cfg.AdminAddr != "" {
		if err := s.startAdmin(); err != nil {
			listener.Close()
			s.running.Store(false)
			return err
		}
	}

	go s.acceptConnections()

	s.logger.Info(s.ctx, logging.ComponentServer, logging.ActionStart, "Chat server listening", map[string]interface{}{
		"addr":        listener.Addr().String(),
		"admin_addr":  s.AdminAddr(),
		"max_clients": s.cfg.MaxClients,
	})
	return nil
}

// Addr is the bound chat address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections is the number of accepted, not yet closed connections.
func (s *Server) ActiveConnections() int {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()
	return len(s.connections)
}

// TotalConnections counts connections accepted since start.
func (s *Server) TotalConnections() uint64 {
	return s.total.Load()
}

// Broker returns the message broker.
func (s *Server) Broker() *Broker { return s.broker }

func (s *Server) acceptConnections() {
	defer close(s.acceptDone)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			wait := retry.NextBackOff()
			s.logger.Warn(s.ctx, logging.ComponentServer, logging.ActionRetry, "Accept failed, retrying", map[string]interface{}{
				"error": err.Error(),
				"delay": wait.String(),
			})
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		s.admit(conn)
	}
}

// admit registers conn and submits its handler, or rejects it when the
// server is full or the pool no longer accepts work.
func (s *Server) admit(conn net.Conn) {
	id := uuid.NewString()
	ctx := logging.WithCorrelationID(s.ctx, id)

	s.connMutex.Lock()
	if len(s.connections) >= s.cfg.MaxClients {
		s.connMutex.Unlock()
		s.reject(ctx, conn, "server full")
		return
	}
	s.connections[id] = conn
	s.connMutex.Unlock()
	s.total.Add(1)

	h, err := s.pool.SubmitHandler(s.serveConn(conn), id)
	if err != nil {
		s.unregister(id)
		s.reject(ctx, conn, "server shutting down")
		return
	}

	s.logger.Info(ctx, logging.ComponentServer, logging.ActionConnect, "Client connected", map[string]interface{}{
		"remote_addr":   conn.RemoteAddr().String(),
		"connection_id": id,
		"handle":        h.Name(),
	})

	s.wg.Add(1)
	go s.watch(ctx, id, conn, h)
}

func (s *Server) reject(ctx context.Context, conn net.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, _ = conn.Write([]byte(chat.NewServerMessage(reason).Format() + "\n"))
	conn.Close()
	s.logger.Warn(ctx, logging.ComponentServer, logging.ActionConnect, "Connection rejected", map[string]interface{}{
		"remote_addr": conn.RemoteAddr().String(),
		"reason":      reason,
	})
}

func (s *Server) unregister(id string) {
	s.connMutex.Lock()
	delete(s.connections, id)
	s.connMutex.Unlock()
}

// watch releases the connection once its handler completes. A handler
// cancelled before it started never saw the connection, so it is closed
// here too.
func (s *Server) watch(ctx context.Context, id string, conn net.Conn, h *workerpool.Handle) {
	defer s.wg.Done()
	<-h.Done()

	conn.Close()
	s.unregister(id)

	res, _ := h.Result()
	fields := map[string]interface{}{
		"connection_id": id,
		"duration_ms":   h.Duration().Milliseconds(),
	}
	switch {
	case h.Cancelled():
		s.logger.Info(ctx, logging.ComponentServer, logging.ActionDisconnect, "Client dropped before its handler started", fields)
	case res.Err != nil:
		s.logger.Error(ctx, logging.ComponentServer, logging.ActionDisconnect, "Client disconnected abnormally", res.Err, fields)
	default:
		s.logger.Info(ctx, logging.ComponentServer, logging.ActionDisconnect, "Client disconnected", fields)
	}
}

// handler serves one connection: a USER handshake, then MSG, USER, ULIST
// and QUIT commands until the client leaves or ctx is cancelled.
func (s *Server) handler(conn net.Conn) workerpool.HandlerFunc {
	return func(ctx context.Context, connectionID string) error {
		ctx = logging.WithCorrelationID(ctx, connectionID)
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		c := newClient(connectionID, conn, s.cfg.WriteTimeout)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 4096), maxLineBytes)

		joined := false
		defer func() {
			if joined {
				s.broker.Leave(context.WithoutCancel(ctx), c)
			}
		}()

		for scanner.Scan() {
			cmd, payload := chat.ParseCommand(scanner.Text())
			switch cmd {
			case "":
				continue
			case "USER", string(chat.TypeUser):
				name := strings.TrimSpace(payload)
				if name == "" {
					_ = c.send(chat.NewServerMessage("username required").Format())
					continue
				}
				if !joined {
					c.rename(name)
					joined = true
					s.broker.Join(ctx, c)
					continue
				}
				s.broker.Rename(ctx, c, name)
			case "QUIT":
				return nil
			case string(chat.TypeChat):
				if !joined {
					_ = c.send(chat.NewServerMessage("send USER|name first").Format())
					continue
				}
				if payload == "" {
					continue
				}
				s.broker.Publish(ctx, chat.NewMessage(c.username(), payload), connectionID)
			case string(chat.TypeUserList):
				msg := &chat.Message{Type: chat.TypeUserList, Content: s.broker.UserList()}
				_ = c.send(msg.Format())
			default:
				_ = c.send(chat.NewServerMessage("unknown command " + cmd).Format())
			}
		}

		err := scanner.Err()
		if err == nil || ctx.Err() != nil || s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("read from %s: %w", conn.RemoteAddr(), err)
	}
}

// Stop closes the listener and every connection, waits up to timeout for
// handlers to finish, then shuts down the pool, the memory manager and the
// admin endpoint. Handlers still running at the timeout are left behind and
// reported as ErrStopTimeout. All failures are returned together.
func (s *Server) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(timeout)
	})
	return s.stopErr
}

// waitWatchers waits for every connection watcher until timeout has passed
// since start. A non-positive timeout waits without bound.
func (s *Server) waitWatchers(start time.Time, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(max(timeout-time.Since(start), 0))
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		select {
		case <-done:
			return nil
		default:
		}
		return fmt.Errorf("%w: %d still open after %s", ErrStopTimeout, s.ActiveConnections(), timeout)
	}
}

func (s *Server) stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return fmt.Errorf("server is not running")
	}
	start := time.Now()
	s.cancel()

	var err error
	if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("close listener: %w", cerr))
	}
	<-s.acceptDone

	s.connMutex.RLock()
	for _, conn := range s.connections {
		conn.Close()
	}
	s.connMutex.RUnlock()

	if perr := s.pool.Shutdown(true, timeout); perr != nil {
		err = multierr.Append(err, fmt.Errorf("shutdown pool: %w", perr))
	}
	if werr := s.waitWatchers(start, timeout); werr != nil {
		err = multierr.Append(err, werr)
	}

	s.memory.Shutdown()

	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), max(timeout-time.Since(start), time.Second))
		if aerr := s.admin.Shutdown(ctx); aerr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown admin endpoint: %w", aerr))
		}
		cancel()
	}

	s.logger.WithDuration(context.Background(), logging.INFO, logging.ComponentServer, logging.ActionStop, "Chat server stopped", time.Since(start), map[string]interface{}{
		"total_connections": s.total.Load(),
		"errors":            len(multierr.Errors(err)),
	})
	return err
}
