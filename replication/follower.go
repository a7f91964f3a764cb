// Package replication implements single-leader replication: the follower's
// bootstrap handshake and command stream, and the leader's per-follower
// bookkeeping and write propagation.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rafaelvchaves/respkv/command"
	"github.com/rafaelvchaves/respkv/lib/ctxlog"
	"github.com/rafaelvchaves/respkv/resp"
)

var ErrHandshake = errors.New("replication: handshake failed")

// State is a step of the follower handshake.
type State int32

const (
	Disconnected State = iota
	Connected
	PingSent
	ListeningPortSent
	CapaSent
	PsyncSent
	Streaming
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case PingSent:
		return "ping-sent"
	case ListeningPortSent:
		return "listening-port-sent"
	case CapaSent:
		return "capa-sent"
	case PsyncSent:
		return "psync-sent"
	case Streaming:
		return "streaming"
	case Failed:
		return "failed"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// SnapshotHandler receives the raw snapshot sent after FULLRESYNC.
type SnapshotHandler func(ctx context.Context, snapshot []byte) error

// ApplyFunc executes a command received on the replication stream. Its
// reply is not sent back to the leader.
type ApplyFunc func(ctx context.Context, cmd command.Command)

// Follower drives the handshake against a leader and then consumes the
// leader's command stream. A transport failure at any step is final; there
// is no reconnect.
type Follower struct {
	leaderAddr string
	port       int
	onSnapshot SnapshotHandler

	state     atomic.Int32
	processed atomic.Int64

	conn          net.Conn
	decoder       *resp.Decoder
	replicationID string
	leaderOffset  int64
}

type FollowerOption func(*Follower)

// WithSnapshotHandler installs a handler for the snapshot payload. Without
// one the payload is read and discarded. A handler error is logged and does
// not fail the handshake.
func WithSnapshotHandler(h SnapshotHandler) FollowerOption {
	return func(f *Follower) {
		f.onSnapshot = h
	}
}

// NewFollower returns a follower of the leader at leaderAddr ("host:port")
// that advertises port as its own listening port.
func NewFollower(leaderAddr string, port int, opts ...FollowerOption) *Follower {
	f := &Follower{
		leaderAddr: leaderAddr,
		port:       port,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Follower) State() State {
	return State(f.state.Load())
}

// ReplicationID returns the id announced by the leader's FULLRESYNC reply.
func (f *Follower) ReplicationID() string {
	return f.replicationID
}

// Offset returns the number of stream bytes processed since the snapshot.
func (f *Follower) Offset() int64 {
	return f.processed.Load()
}

func (f *Follower) setState(ctx context.Context, s State) {
	f.state.Store(int32(s))
	ctxlog.Debugf(ctx, "replication state %s", s)
}

// Handshake connects to the leader and performs PING, REPLCONF
// listening-port, REPLCONF capa and PSYNC, each waiting for the previous
// reply. On success the follower is Streaming and Stream may be called.
func (f *Follower) Handshake(ctx context.Context) (err error) {
	ctx = ctxlog.With(ctx, "leader", f.leaderAddr)
	defer func() {
		if err != nil {
			f.setState(ctx, Failed)
			if f.conn != nil {
				f.conn.Close()
			}
			err = fmt.Errorf("%w: %w", ErrHandshake, err)
		}
	}()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", f.leaderAddr)
	if err != nil {
		return err
	}
	f.conn = conn
	f.decoder = resp.NewDecoder(conn)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()
	f.setState(ctx, Connected)

	steps := []struct {
		request resp.Array
		next    State
	}{
		{resp.Command("PING"), PingSent},
		{resp.Command("REPLCONF", "listening-port", strconv.Itoa(f.port)), ListeningPortSent},
		{resp.Command("REPLCONF", "capa", "psync2"), CapaSent},
	}
	for _, step := range steps {
		if _, err := f.roundTrip(ctx, step.request, step.next); err != nil {
			return err
		}
	}

	reply, err := f.roundTrip(ctx, resp.Command("PSYNC", "?", "-1"), PsyncSent)
	if err != nil {
		return err
	}
	if err := f.readFullResync(reply); err != nil {
		return err
	}

	// The snapshot follows FULLRESYNC directly and has no trailing CRLF.
	snapshot, err := f.decoder.DecodeRDBFile()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	ctxlog.Infof(ctx, "received %d byte snapshot (replid %s, offset %d)", len(snapshot), f.replicationID, f.leaderOffset)
	if f.onSnapshot != nil {
		if err := f.onSnapshot(ctx, []byte(snapshot)); err != nil {
			ctxlog.Warnf(ctx, "skipping snapshot: %v", err)
		}
	}
	f.setState(ctx, Streaming)
	return nil
}

func (f *Follower) roundTrip(ctx context.Context, request resp.Array, next State) (resp.Value, error) {
	if _, err := f.conn.Write(request.Encode()); err != nil {
		return nil, fmt.Errorf("send %s: %w", request[0], err)
	}
	f.setState(ctx, next)
	reply, err := f.decoder.Decode()
	if err != nil {
		return nil, fmt.Errorf("await reply to %s: %w", request[0], err)
	}
	if e, ok := reply.(resp.SimpleError); ok {
		ctxlog.Warnf(ctx, "leader answered %s with error: %s", request[0], e.Error())
	} else {
		ctxlog.Debugf(ctx, "leader answered %s with %q", request[0], reply.Encode())
	}
	return reply, nil
}

// readFullResync parses "FULLRESYNC <replid> <offset>".
func (f *Follower) readFullResync(reply resp.Value) error {
	status, ok := reply.(resp.String)
	if !ok {
		return fmt.Errorf("expected FULLRESYNC, got %q", reply.Encode())
	}
	fields := strings.Fields(string(status))
	if len(fields) == 0 || !strings.EqualFold(fields[0], "FULLRESYNC") {
		return fmt.Errorf("expected FULLRESYNC, got %q", status)
	}
	if len(fields) >= 2 {
		f.replicationID = fields[1]
	}
	if len(fields) >= 3 {
		if offset, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
			f.leaderOffset = offset
		}
	}
	return nil
}

// Stream reads commands propagated by the leader and passes them to apply
// until the connection ends or ctx is cancelled. REPLCONF GETACK is answered
// with the offset processed before it. Stream returns nil when the leader
// closes the connection cleanly or ctx is cancelled.
func (f *Follower) Stream(ctx context.Context, apply ApplyFunc) error {
	if f.State() != Streaming {
		return fmt.Errorf("replication: stream requested in state %s", f.State())
	}
	ctx = ctxlog.With(ctx, "leader", f.leaderAddr)
	defer f.conn.Close()
	stop := context.AfterFunc(ctx, func() {
		f.conn.SetDeadline(time.Now())
	})
	defer stop()

	for {
		before := f.decoder.Consumed()
		req, err := f.decoder.Decode()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || isEOF(err) {
				ctxlog.Infof(ctx, "replication stream ended: %v", err)
				return nil
			}
			return fmt.Errorf("replication stream: %w", err)
		}
		size := f.decoder.Consumed() - before

		cmd, err := command.Parse(req)
		if err != nil {
			ctxlog.Warnf(ctx, "ignoring propagated request: %v", err)
		} else if cmd.Details().RequiresReplicaResponse {
			ack := resp.Command("REPLCONF", "ACK", strconv.FormatInt(f.processed.Load(), 10))
			if _, err := f.conn.Write(ack.Encode()); err != nil {
				return fmt.Errorf("replication ack: %w", err)
			}
		} else {
			ctxlog.Debugf(ctx, "applying propagated %s", cmd.Name())
			apply(ctx, cmd)
		}
		f.processed.Add(size)
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
