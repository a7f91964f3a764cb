package replication

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rafaelvchaves/respkv/command"
	"github.com/rafaelvchaves/respkv/lib/mpmc"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/resp"
	"github.com/stretchr/testify/require"
)

func TestSessionObserve(t *testing.T) {
	tests := map[string]struct {
		commands     []command.Command
		resync       bool
		want         Session
		wantComplete bool
	}{
		"nothing seen": {
			want: Session{},
		},
		"full handshake": {
			commands: []command.Command{
				command.Ping{},
				command.ReplConfig{Key: "listening-port", Values: []string{"6380"}},
				command.ReplConfig{Key: "capa", Values: []string{"psync2"}},
			},
			resync: true,
			want: Session{
				Pinged:        true,
				ListeningPort: optional.Some(6380),
				Capabilities:  []string{"psync2"},
				Synced:        true,
				ReplicationID: "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb",
			},
			wantComplete: true,
		},
		"PSYNC without REPLCONF": {
			commands: []command.Command{command.Ping{}},
			resync:   true,
			want: Session{
				Pinged:        true,
				Synced:        true,
				ReplicationID: "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb",
			},
		},
		"non-numeric listening port": {
			commands: []command.Command{
				command.ReplConfig{Key: "listening-port", Values: []string{"abc"}},
				command.ReplConfig{Key: "capa", Values: []string{"eof", "psync2"}},
			},
			want: Session{
				Capabilities: []string{"eof", "psync2"},
			},
		},
		"unrelated commands ignored": {
			commands: []command.Command{
				command.Get{Key: "foo"},
				command.ReplConfig{Key: "getack", Values: []string{"*"}},
			},
			want: Session{},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			leader := NewLeader("8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb", 0)
			var s Session
			for _, cmd := range test.commands {
				s.Observe(cmd)
			}
			if test.resync {
				leader.FullResync(&s)
			}
			opts := cmp.Options{cmp.AllowUnexported(optional.Value[int]{}), cmpopts.EquateEmpty()}
			if diff := cmp.Diff(test.want, s, opts); diff != "" {
				t.Errorf("session mismatch (-want +got):\n%s", diff)
			}
			if got := s.Complete(); got != test.wantComplete {
				t.Errorf("Complete() = %v, want %v", got, test.wantComplete)
			}
		})
	}
}

func TestFullResync(t *testing.T) {
	leader := NewLeader("8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb", 7)
	var s Session
	got := leader.FullResync(&s)
	want := resp.String("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 7")
	if got != want {
		t.Errorf("FullResync() = %q, want %q", got, want)
	}
	if s.Offset != 7 {
		t.Errorf("session offset = %d, want 7", s.Offset)
	}
}

type chanWriter chan []byte

func (w chanWriter) Write(b []byte) (int, error) {
	w <- append([]byte(nil), b...)
	return len(b), nil
}

// blockedWriter holds every write until release is closed.
type blockedWriter struct {
	release chan struct{}
}

func (w blockedWriter) Write(b []byte) (int, error) {
	<-w.release
	return len(b), nil
}

func TestLeaderPropagate(t *testing.T) {
	leader := NewLeader("id", 0)
	require.Nil(t, leader.Propagate(resp.Command("SET", "a", "1")))

	w := make(chanWriter, 4)
	detach, err := leader.Attach(context.Background(), Replica{ID: "r1", Addr: "127.0.0.1:6380"}, w)
	require.NoError(t, err)
	require.Len(t, leader.Replicas(), 1)

	_, err = leader.Attach(context.Background(), Replica{ID: "r1"}, w)
	require.ErrorIs(t, err, mpmc.ErrConsumerExists)

	set := resp.Command("SET", "foo", "bar")
	require.Empty(t, leader.Propagate(set))
	select {
	case got := <-w:
		require.Equal(t, set.Encode(), got)
	case <-time.After(time.Second):
		t.Fatal("propagated write not delivered")
	}

	detach()
	require.Empty(t, leader.Replicas())
	require.Nil(t, leader.Propagate(set))
}

func TestLeaderPropagateDropsWhenBacklogFull(t *testing.T) {
	leader := NewLeader("id", 0)
	leader.backlog = 1
	w := blockedWriter{release: make(chan struct{})}
	detach, err := leader.Attach(context.Background(), Replica{ID: "slow"}, w)
	require.NoError(t, err)

	var dropped []string
	for i := 0; i < 3; i++ {
		dropped = append(dropped, leader.Propagate(resp.Command("SET", "k", "v"))...)
	}
	require.Contains(t, dropped, "slow")

	close(w.release)
	detach()
}

func TestLeaderReplicasOrdered(t *testing.T) {
	leader := NewLeader("id", 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		detach, err := leader.Attach(context.Background(), Replica{ID: id, Attached: base.Add(time.Duration(i) * time.Second)}, make(chanWriter, 1))
		require.NoError(t, err)
		t.Cleanup(detach)
	}
	var ids []string
	for _, r := range leader.Replicas() {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}
