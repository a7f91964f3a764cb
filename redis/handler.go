package redis

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rafaelvchaves/respkv/command"
	"github.com/rafaelvchaves/respkv/lib/ctxlog"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/metrics"
	"github.com/rafaelvchaves/respkv/rdb"
	"github.com/rafaelvchaves/respkv/replication"
	"github.com/rafaelvchaves/respkv/resp"
	"github.com/rafaelvchaves/respkv/storage"
)

// Handler executes requests against the keyspace. It is shared by every
// connection.
type Handler struct {
	settings Settings
	store    *storage.Store
	leader   *replication.Leader
	metrics  *metrics.Registry
	now      func() time.Time
}

func NewHandler(settings Settings, store *storage.Store, leader *replication.Leader, m *metrics.Registry) *Handler {
	return &Handler{
		settings: settings,
		store:    store,
		leader:   leader,
		metrics:  m,
		now:      time.Now,
	}
}

// Handle parses and executes one request from a client connection and
// returns the replies to write, in order. Command errors become error
// replies. Successful writes are forwarded to attached replicas.
func (h *Handler) Handle(ctx context.Context, session *replication.Session, req resp.Value) []resp.Value {
	cmd, err := command.Parse(req)
	if err != nil {
		h.metrics.CommandErrors.WithLabelValues(errorReason(err)).Inc()
		ctxlog.Debugf(ctx, "rejected request: %v", err)
		return []resp.Value{resp.Errorf("%v", err)}
	}
	ctxlog.Debugf(ctx, "executing %s", cmd.Name())
	h.metrics.Commands.WithLabelValues(cmd.Name()).Inc()
	if session != nil {
		session.Observe(cmd)
	}
	replies := h.execute(ctx, session, cmd)
	if cmd.Details().PropagateToReplica {
		if array, ok := req.(resp.Array); ok {
			if dropped := h.leader.Propagate(array); len(dropped) > 0 {
				h.metrics.PropagationDrops.Add(float64(len(dropped)))
				ctxlog.Warnf(ctx, "%d replica(s) missed a propagated %s", len(dropped), cmd.Name())
			}
		}
	}
	return replies
}

// Apply executes a command received from the leader. Nothing is replied or
// propagated.
func (h *Handler) Apply(ctx context.Context, cmd command.Command) {
	h.metrics.Commands.WithLabelValues(cmd.Name()).Inc()
	h.execute(ctx, nil, cmd)
}

func (h *Handler) execute(ctx context.Context, session *replication.Session, cmd command.Command) []resp.Value {
	switch cmd := cmd.(type) {
	case command.Ping:
		return h.ping(cmd)
	case command.Echo:
		return []resp.Value{cmd.Message}
	case command.Set:
		h.store.Set(cmd.Key, cmd.Value, cmd.TTL)
		return []resp.Value{resp.String("OK")}
	case command.Get:
		return h.get(cmd)
	case command.Info:
		return h.info(cmd)
	case command.ReplConfig:
		return []resp.Value{resp.BulkString("OK")}
	case command.PSync:
		if h.settings.Role() == Replica {
			return []resp.Value{resp.Errorf("PSYNC is only served by a master")}
		}
		return h.psync(ctx, session)
	case command.Keys:
		return h.keys(cmd)
	}
	return []resp.Value{resp.Errorf("unknown command '%s'", cmd.Name())}
}

func (h *Handler) ping(req command.Ping) []resp.Value {
	if msg, ok := req.Message.Get(); ok {
		return []resp.Value{msg}
	}
	return []resp.Value{resp.String("PONG")}
}

func (h *Handler) get(req command.Get) []resp.Value {
	value, ok := h.store.Get(req.Key)
	if !ok {
		return []resp.Value{resp.NullBulkString{}}
	}
	return []resp.Value{value}
}

func (h *Handler) info(req command.Info) []resp.Value {
	section := req.Section.GetOrDefault("")
	return []resp.Value{resp.BulkString(h.Info().Render(section))}
}

// Info reports the current server state.
func (h *Handler) Info() Info {
	info := Info{
		Server: ServerInfo{
			Version:  Version,
			Mode:     "standalone",
			ArchBits: 64,
		},
		Replication: ReplicationInfo{
			Role:                    h.settings.Role(),
			MasterReplicationID:     h.leader.ReplicationID(),
			MasterReplicationOffset: h.leader.Offset(),
		},
	}
	if leader, ok := h.settings.ReplicaOf.Get(); ok {
		info.Replication.MasterHost = leader.Host
		info.Replication.MasterPort = leader.Port
	} else {
		info.Replication.ConnectedReplicas = len(h.leader.Replicas())
	}
	return info
}

// psync replies with FULLRESYNC followed by a snapshot of the keyspace.
func (h *Handler) psync(ctx context.Context, session *replication.Session) []resp.Value {
	if session == nil {
		session = &replication.Session{}
	}
	resync := h.leader.FullResync(session)
	snapshot := h.Snapshot(ctx)
	ctxlog.Infof(ctx, "full resync with %d byte snapshot", len(snapshot))
	return []resp.Value{resync, resp.RDBFile(snapshot)}
}

func (h *Handler) keys(req command.Keys) []resp.Value {
	keys := h.store.Keys(req.Pattern)
	sort.Strings(keys)
	result := make(resp.Array, 0, len(keys))
	for _, key := range keys {
		result = append(result, resp.BulkString(key))
	}
	return []resp.Value{result}
}

// Snapshot serializes the live keyspace. Values that are not bulk strings
// cannot be represented and are left out.
func (h *Handler) Snapshot(ctx context.Context) []byte {
	var entries []rdb.Entry
	h.store.Range(func(key string, entry storage.Entry) bool {
		value, ok := entry.Value.(resp.BulkString)
		if !ok {
			ctxlog.Warnf(ctx, "snapshot: skipping key %q holding %T", key, entry.Value)
			return true
		}
		e := rdb.Entry{Key: key, Value: string(value)}
		if at, ok := entry.ExpiresAt(); ok {
			e.ExpiresAt = optional.Some(at)
		}
		entries = append(entries, e)
		return true
	})
	return rdb.Encode(entries)
}

// LoadSnapshot replaces the keyspace with the contents of a snapshot.
// Absolute expiry times are converted to TTLs measured from now; keys that
// already expired are dropped.
func (h *Handler) LoadSnapshot(ctx context.Context, snapshot []byte) error {
	file, err := rdb.Decode(snapshot)
	if err != nil {
		return err
	}
	now := h.now()
	entries := make(map[string]storage.Entry, len(file.Entries))
	for _, e := range file.Entries {
		entry := storage.Entry{Value: resp.BulkString(e.Value), Created: now}
		if at, ok := e.ExpiresAt.Get(); ok {
			ttl := at.Sub(now)
			if ttl <= 0 {
				continue
			}
			entry.TTL = optional.Some(ttl)
		}
		entries[e.Key] = entry
	}
	h.store.Load(entries)
	ctxlog.Infof(ctx, "loaded %d keys from snapshot (rdb version %s)", len(entries), file.Version)
	return nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, command.ErrWrongArity):
		return "wrong_arity"
	case errors.Is(err, command.ErrUnknownArgument):
		return "unknown_argument"
	case errors.Is(err, command.ErrNotInteger):
		return "not_integer"
	case errors.Is(err, command.ErrWrongType):
		return "wrong_type"
	case errors.Is(err, command.ErrInvalidPattern):
		return "invalid_pattern"
	}
	return "invalid_request"
}
