package replication

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rafaelvchaves/respkv/command"
	"github.com/rafaelvchaves/respkv/lib/cache"
	"github.com/rafaelvchaves/respkv/lib/ctxlog"
	"github.com/rafaelvchaves/respkv/lib/mpmc"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/resp"
)

// DefaultBacklog is the number of propagated writes buffered per replica.
const DefaultBacklog = 1024

// Session is the leader's view of one follower's handshake.
type Session struct {
	Pinged        bool
	ListeningPort optional.Value[int]
	Capabilities  []string
	Synced        bool
	ReplicationID string
	Offset        int64
}

// Observe records the handshake progress carried by cmd.
func (s *Session) Observe(cmd command.Command) {
	switch cmd := cmd.(type) {
	case command.Ping:
		s.Pinged = true
	case command.ReplConfig:
		switch cmd.Key {
		case "listening-port":
			if len(cmd.Values) > 0 {
				if port, err := strconv.Atoi(cmd.Values[0]); err == nil {
					s.ListeningPort = optional.Some(port)
				}
			}
		case "capa":
			s.Capabilities = append(s.Capabilities, cmd.Values...)
		}
	}
}

// Complete reports whether PING, both REPLCONFs and PSYNC were seen.
func (s *Session) Complete() bool {
	return s.Pinged && s.ListeningPort.IsPresent() && len(s.Capabilities) > 0 && s.Synced
}

// Replica describes an attached follower.
type Replica struct {
	ID       string
	Addr     string
	Session  Session
	Attached time.Time
}

// Leader answers PSYNC and fans writes out to attached replicas.
type Leader struct {
	id       string
	offset   int64
	backlog  int
	replicas cache.Map[string, Replica]
	queue    *mpmc.Queue[[]byte]
}

func NewLeader(replicationID string, offset int64) *Leader {
	return &Leader{
		id:       replicationID,
		offset:   offset,
		backlog:  DefaultBacklog,
		replicas: cache.NewTypedSyncMap[string, Replica](),
		queue:    mpmc.NewQueue[[]byte](),
	}
}

func (l *Leader) ReplicationID() string {
	return l.id
}

func (l *Leader) Offset() int64 {
	return l.offset
}

// FullResync completes the session's handshake and returns the status line
// that precedes the snapshot.
func (l *Leader) FullResync(s *Session) resp.String {
	s.Synced = true
	s.ReplicationID = l.id
	s.Offset = l.offset
	return resp.String(fmt.Sprintf("FULLRESYNC %s %d", l.id, l.offset))
}

// Attach registers a replica and streams every later Propagate call to w
// until ctx is done or a write fails. The returned function detaches the
// replica and waits for the stream to stop writing.
func (l *Leader) Attach(ctx context.Context, r Replica, w io.Writer) (func(), error) {
	ch := make(chan []byte, l.backlog)
	if err := l.queue.AddConsumer(r.ID, ch); err != nil {
		return nil, err
	}
	if r.Attached.IsZero() {
		r.Attached = time.Now()
	}
	l.replicas.Put(r.ID, r)
	ctxlog.Infof(ctx, "replica %s attached", r.Addr)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-ch:
				if _, err := w.Write(b); err != nil {
					ctxlog.Errorf(ctx, "propagating to replica %s: %v", r.Addr, err)
					return
				}
			}
		}
	}()
	detach := func() {
		l.queue.RemoveConsumer(r.ID)
		l.replicas.Delete(r.ID)
		cancel()
		<-done
	}
	return detach, nil
}

// Propagate forwards a write to all replicas without blocking and returns
// the ids of replicas whose backlog was full.
func (l *Leader) Propagate(req resp.Array) []string {
	if l.queue.Len() == 0 {
		return nil
	}
	return l.queue.Broadcast(req.Encode())
}

// Replicas returns the attached replicas ordered by attach time.
func (l *Leader) Replicas() []Replica {
	var result []Replica
	l.replicas.Range(func(_ string, r Replica) bool {
		result = append(result, r)
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Attached.Before(result[j].Attached) })
	return result
}
