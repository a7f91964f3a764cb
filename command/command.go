// Package command turns decoded requests into typed commands.
package command

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/resp"
)

type Command interface {
	Name() string
	Details() Details
}

type Details struct {
	// RequiresReplicaResponse marks commands a replica must answer even when
	// they arrive on the replication stream.
	RequiresReplicaResponse bool
	// PropagateToReplica marks writes that a leader forwards to its replicas.
	PropagateToReplica bool
}

type defaultDetailsImpl struct{}

func (defaultDetailsImpl) Details() Details {
	return Details{}
}

type Ping struct {
	defaultDetailsImpl
	Message optional.Value[resp.Value]
}

func (Ping) Name() string { return "ping" }

type Echo struct {
	defaultDetailsImpl
	Message resp.Value
}

func (Echo) Name() string { return "echo" }

type Set struct {
	Key   string
	Value resp.Value
	TTL   optional.Value[time.Duration]
}

func (Set) Name() string { return "set" }

func (Set) Details() Details {
	return Details{
		PropagateToReplica: true,
	}
}

type Get struct {
	defaultDetailsImpl
	Key string
}

func (Get) Name() string { return "get" }

type Info struct {
	defaultDetailsImpl
	// Section is lower-cased. None asks for the server banner.
	Section optional.Value[string]
}

func (Info) Name() string { return "info" }

// ReplConfig carries replication settings. Arguments are accepted without
// validation; Key is lower-cased.
type ReplConfig struct {
	Key    string
	Values []string
}

func (ReplConfig) Name() string { return "replconf" }

func (r ReplConfig) Details() Details {
	var result Details
	if r.Key == "getack" {
		result.RequiresReplicaResponse = true
	}
	return result
}

// PSync requests a resynchronization. "?" and "-1" mean the follower has no
// prior state and are parsed as absent.
type PSync struct {
	defaultDetailsImpl
	ReplicationID     optional.Value[string]
	ReplicationOffset optional.Value[int64]
}

func (PSync) Name() string { return "psync" }

type Keys struct {
	defaultDetailsImpl
	Pattern glob.Glob
	Source  string
}

func (Keys) Name() string { return "keys" }
