package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rafaelvchaves/respkv/lib/cache"
	"github.com/rafaelvchaves/respkv/lib/ctxlog"
	"github.com/rafaelvchaves/respkv/metrics"
	"github.com/rafaelvchaves/respkv/replication"
	"github.com/rafaelvchaves/respkv/resp"
	"github.com/rafaelvchaves/respkv/storage"
	"golang.org/x/time/rate"
)

type Server struct {
	settings Settings
	store    *storage.Store
	leader   *replication.Leader
	handler  *Handler
	metrics  *metrics.Registry
	follower *replication.Follower

	conns cache.Map[string, net.Conn]
	wg    sync.WaitGroup

	ready chan struct{}
	addr  net.Addr
}

func NewServer(settings Settings) *Server {
	m := metrics.NewRegistry()
	store := storage.New(storage.WithExpireHook(func(string) {
		m.KeysExpired.Inc()
	}))
	leader := replication.NewLeader(ReplicationID, ReplicationOffset)
	return &Server{
		settings: settings,
		store:    store,
		leader:   leader,
		handler:  NewHandler(settings, store, leader, m),
		metrics:  m,
		conns:    cache.NewTypedSyncMap[string, net.Conn](),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the server accepts client connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address. It is valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Follower returns the replication follower, or nil for a leader.
func (s *Server) Follower() *replication.Follower {
	return s.follower
}

func (s *Server) Store() *storage.Store {
	return s.store
}

func (s *Server) Metrics() *metrics.Registry {
	return s.metrics
}

// Start binds the listener and serves until ctx is cancelled. A replica
// completes its handshake with the leader before serving clients; a failed
// handshake is returned as an error.
func (s *Server) Start(ctx context.Context) error {
	if err := s.settings.Validate(); err != nil {
		return err
	}
	ctx = ctxlog.With(ctx, "role", string(s.settings.Role()))

	address := net.JoinHostPort(s.settings.Host, strconv.Itoa(s.settings.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	defer listener.Close()

	if leader, ok := s.settings.ReplicaOf.Get(); ok {
		port := listener.Addr().(*net.TCPAddr).Port
		s.follower = replication.NewFollower(leader.String(), port,
			replication.WithSnapshotHandler(s.handler.LoadSnapshot))
		if err := s.follower.Handshake(ctx); err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.follower.Stream(ctx, s.handler.Apply); err != nil {
				ctxlog.Errorf(ctx, "replication stream: %v", err)
			}
		}()
	}

	if s.settings.MetricsAddr != "" {
		srv := s.metrics.Server(s.settings.MetricsAddr)
		go func() {
			ctxlog.Infof(ctx, "serving metrics at %s", s.settings.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ctxlog.Errorf(ctx, "metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		s.conns.Range(func(_ string, conn net.Conn) bool {
			conn.Close()
			return true
		})
	})
	defer stop()

	s.addr = listener.Addr()
	close(s.ready)
	ctxlog.Infof(ctx, "listening at %s", s.addr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			ctxlog.Errorf(ctx, "accepting connection: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.wg.Wait()
	ctxlog.Infof(ctx, "server stopped")
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	id := ulid.Make().String()
	ctx = ctxlog.With(ctx, "conn", id, "remote", conn.RemoteAddr().String())
	s.conns.Put(id, conn)
	// A connection accepted while shutting down may have missed the close.
	if ctx.Err() != nil {
		conn.Close()
	}
	defer func() {
		s.conns.Delete(id)
		conn.Close()
		s.metrics.ConnectionsActive.Dec()
		ctxlog.Infof(ctx, "connection closed")
	}()
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	ctxlog.Infof(ctx, "accepted connection")

	var limiter *rate.Limiter
	if s.settings.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.settings.RateLimit), s.settings.RateLimit)
	}
	decoder := resp.NewDecoder(conn)
	var session replication.Session
	for {
		req, err := decoder.Decode()
		if err != nil {
			s.endConnection(ctx, conn, err)
			return
		}
		var replies []resp.Value
		if limiter != nil && !limiter.Allow() {
			s.metrics.RateLimited.Inc()
			ctxlog.Warnf(ctx, "rate limit exceeded")
			replies = []resp.Value{resp.Errorf("rate limit exceeded")}
		} else {
			replies = s.handler.Handle(ctx, &session, req)
		}
		if err := write(conn, replies); err != nil {
			ctxlog.Errorf(ctx, "writing reply: %v", err)
			return
		}
		if session.Synced {
			s.serveReplica(ctx, id, conn, decoder, session)
			return
		}
	}
}

// serveReplica hands the connection over to propagation after a full
// resynchronization. Replies are no longer sent; anything the replica sends,
// such as REPLCONF ACK, is read and logged until it disconnects.
func (s *Server) serveReplica(ctx context.Context, id string, conn net.Conn, decoder *resp.Decoder, session replication.Session) {
	replica := replication.Replica{
		ID:      id,
		Addr:    conn.RemoteAddr().String(),
		Session: session,
	}
	detach, err := s.leader.Attach(ctx, replica, conn)
	if err != nil {
		ctxlog.Errorf(ctx, "attaching replica: %v", err)
		return
	}
	s.metrics.Replicas.Set(float64(len(s.leader.Replicas())))
	defer func() {
		conn.Close()
		detach()
		s.metrics.Replicas.Set(float64(len(s.leader.Replicas())))
		ctxlog.Infof(ctx, "replica detached")
	}()
	if !session.Complete() {
		ctxlog.Warnf(ctx, "replica attached without a complete handshake")
	}
	for {
		req, err := decoder.Decode()
		if err != nil {
			// The propagation stream owns writes to conn, so a protocol
			// error is not answered.
			s.endConnection(ctx, nil, err)
			return
		}
		ctxlog.Debugf(ctx, "replica sent %q", req.Encode())
	}
}

// endConnection reports why reading from a connection stopped. A malformed
// request is answered on w, if not nil, before the connection is closed.
func (s *Server) endConnection(ctx context.Context, w io.Writer, err error) {
	switch {
	case errors.Is(err, resp.ErrProtocol):
		s.metrics.CommandErrors.WithLabelValues("protocol").Inc()
		ctxlog.Warnf(ctx, "closing connection: %v", err)
		if w != nil {
			w.Write(resp.Errorf("protocol error").Encode())
		}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
	default:
		ctxlog.Errorf(ctx, "reading request: %v", err)
	}
}

func write(w io.Writer, values []resp.Value) error {
	var buf []byte
	for _, v := range values {
		buf = append(buf, v.Encode()...)
	}
	_, err := w.Write(buf)
	return err
}
