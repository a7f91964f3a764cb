package command_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rafaelvchaves/respkv/command"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/resp"
)

var cmpOpts = []cmp.Option{
	cmp.AllowUnexported(
		optional.Value[resp.Value]{},
		optional.Value[time.Duration]{},
		optional.Value[string]{},
		optional.Value[int64]{},
	),
	cmpopts.IgnoreUnexported(command.Ping{}, command.Echo{}, command.Get{}, command.Info{}, command.PSync{}),
}

func TestParseCommand(t *testing.T) {
	tests := map[string]struct {
		input resp.Value
		want  command.Command
	}{
		"PING": {
			input: resp.Command("PING"),
			want:  command.Ping{},
		},
		"lower-case ping": {
			input: resp.Command("ping"),
			want:  command.Ping{},
		},
		"PING banana": {
			input: resp.Command("PING", "banana"),
			want:  command.Ping{Message: optional.Some[resp.Value](resp.BulkString("banana"))},
		},
		"ECHO banana": {
			input: resp.Command("ECHO", "banana"),
			want:  command.Echo{Message: resp.BulkString("banana")},
		},
		"ECHO integer": {
			input: resp.Array{resp.BulkString("ECHO"), resp.Integer(7)},
			want:  command.Echo{Message: resp.Integer(7)},
		},
		"SET foo 1": {
			input: resp.Command("SET", "foo", "1"),
			want:  command.Set{Key: "foo", Value: resp.BulkString("1")},
		},
		"SET foo bar PX 100": {
			input: resp.Command("SET", "foo", "bar", "PX", "100"),
			want: command.Set{
				Key:   "foo",
				Value: resp.BulkString("bar"),
				TTL:   optional.Some(100 * time.Millisecond),
			},
		},
		"SET foo bar px 0": {
			input: resp.Command("set", "foo", "bar", "px", "0"),
			want: command.Set{
				Key:   "foo",
				Value: resp.BulkString("bar"),
				TTL:   optional.Some(time.Duration(0)),
			},
		},
		"SET foo bar PX longest representable TTL": {
			input: resp.Command("SET", "foo", "bar", "PX", "9223372036854"),
			want: command.Set{
				Key:   "foo",
				Value: resp.BulkString("bar"),
				TTL:   optional.Some(9223372036854 * time.Millisecond),
			},
		},
		"GET foo": {
			input: resp.Command("GET", "foo"),
			want:  command.Get{Key: "foo"},
		},
		"INFO": {
			input: resp.Command("INFO"),
			want:  command.Info{},
		},
		"INFO replication": {
			input: resp.Command("INFO", "Replication"),
			want:  command.Info{Section: optional.Some("replication")},
		},
		"REPLCONF listening-port 6380": {
			input: resp.Command("REPLCONF", "listening-port", "6380"),
			want:  command.ReplConfig{Key: "listening-port", Values: []string{"6380"}},
		},
		"REPLCONF GETACK *": {
			input: resp.Command("REPLCONF", "GETACK", "*"),
			want:  command.ReplConfig{Key: "getack", Values: []string{"*"}},
		},
		"REPLCONF without arguments": {
			input: resp.Command("REPLCONF"),
			want:  command.ReplConfig{},
		},
		"PSYNC ? -1": {
			input: resp.Command("PSYNC", "?", "-1"),
			want:  command.PSync{},
		},
		"PSYNC with id and offset": {
			input: resp.Command("PSYNC", "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb", "42"),
			want: command.PSync{
				ReplicationID:     optional.Some("8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"),
				ReplicationOffset: optional.Some(int64(42)),
			},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := command.Parse(test.input)
			if err != nil {
				t.Fatalf("command.Parse(%v): %v", test.input, err)
			}
			if diff := cmp.Diff(test.want, got, cmpOpts...); diff != "" {
				t.Errorf("command.Parse (-want +got):%s\n", diff)
			}
		})
	}
}

func TestParseKeys(t *testing.T) {
	got, err := command.Parse(resp.Command("KEYS", "user:*"))
	if err != nil {
		t.Fatalf("command.Parse: %v", err)
	}
	keys, ok := got.(command.Keys)
	if !ok {
		t.Fatalf("command.Parse = %T, want command.Keys", got)
	}
	if keys.Source != "user:*" || !keys.Pattern.Match("user:1") || keys.Pattern.Match("session:1") {
		t.Errorf("unexpected pattern behaviour for %q", keys.Source)
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		input resp.Value
		want  error
	}{
		"not an array":          {input: resp.BulkString("PING"), want: command.ErrInvalidRequest},
		"empty array":           {input: resp.Array{}, want: command.ErrInvalidRequest},
		"name not bulk":         {input: resp.Array{resp.Integer(1)}, want: command.ErrInvalidRequest},
		"unknown command":       {input: resp.Command("FLY"), want: command.ErrUnknownCommand},
		"SET k v PX":            {input: resp.Command("SET", "k", "v", "PX"), want: command.ErrWrongArity},
		"SET k":                 {input: resp.Command("SET", "k"), want: command.ErrWrongArity},
		"SET k v PX 1 extra":    {input: resp.Command("SET", "k", "v", "PX", "1", "x"), want: command.ErrWrongArity},
		"SET k v XX 100":        {input: resp.Command("SET", "k", "v", "XX", "100"), want: command.ErrUnknownArgument},
		"SET k v PX abc":        {input: resp.Command("SET", "k", "v", "PX", "abc"), want: command.ErrNotInteger},
		"SET k v PX -5":         {input: resp.Command("SET", "k", "v", "PX", "-5"), want: command.ErrNotInteger},
		"SET k v PX overflow":   {input: resp.Command("SET", "k", "v", "PX", "10000000000000"), want: command.ErrNotInteger},
		"SET integer key":       {input: resp.Array{resp.BulkString("SET"), resp.Integer(1), resp.BulkString("v")}, want: command.ErrWrongType},
		"GET":                   {input: resp.Command("GET"), want: command.ErrWrongArity},
		"GET null key":          {input: resp.Array{resp.BulkString("GET"), resp.NullBulkString{}}, want: command.ErrWrongType},
		"ECHO":                  {input: resp.Command("ECHO"), want: command.ErrWrongArity},
		"PING a b":              {input: resp.Command("PING", "a", "b"), want: command.ErrWrongArity},
		"INFO keyspace":         {input: resp.Command("INFO", "keyspace"), want: command.ErrUnknownArgument},
		"INFO replication more": {input: resp.Command("INFO", "replication", "x"), want: command.ErrWrongArity},
		"KEYS bad pattern":      {input: resp.Command("KEYS", "[a-"), want: command.ErrInvalidPattern},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := command.Parse(test.input)
			if !errors.Is(err, test.want) {
				t.Errorf("command.Parse(%v) = %v, want %v", test.input, err, test.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := map[string]struct {
		input resp.Value
		want  string
	}{
		"arity":   {input: resp.Command("GET"), want: "wrong number of arguments for 'get' command"},
		"unknown": {input: resp.Command("fly"), want: "unknown command 'fly'"},
		"option":  {input: resp.Command("SET", "k", "v", "EX", "1"), want: "unknown argument 'EX' for 'set' command"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := command.Parse(test.input)
			if err == nil || err.Error() != test.want {
				t.Errorf("command.Parse(%v) error = %v, want %q", test.input, err, test.want)
			}
		})
	}
}

func TestDetails(t *testing.T) {
	if !(command.Set{}).Details().PropagateToReplica {
		t.Errorf("SET is not propagated to replicas")
	}
	if (command.Get{}).Details().PropagateToReplica {
		t.Errorf("GET is propagated to replicas")
	}
	if !(command.ReplConfig{Key: "getack"}).Details().RequiresReplicaResponse {
		t.Errorf("REPLCONF GETACK does not require a replica response")
	}
}
