package redis

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/rafaelvchaves/respkv/lib/optional"
)

const (
	// ReplicationID is advertised in FULLRESYNC and INFO replication. Full
	// resynchronization is the only mode, so it never changes.
	ReplicationID     = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"
	ReplicationOffset = 0

	Version = "7.2.0"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Role string

const (
	Master  Role = "master"
	Replica Role = "slave"
)

// Address is a host and port pair.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseReplicaOf parses the "<host> <port>" form of --replicaof.
func ParseReplicaOf(s string) (Address, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Address{}, fmt.Errorf("%w: replicaof must be \"<host> <port>\", got %q", ErrInvalidSettings, s)
	}
	port, err := parsePort(fields[1])
	if err != nil {
		return Address{}, err
	}
	return Address{Host: fields[0], Port: port}, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrInvalidSettings, s)
	}
	return port, nil
}

// Settings are fixed for the lifetime of the process.
type Settings struct {
	Host string
	// Port 0 binds an ephemeral port.
	Port int
	// ReplicaOf is the leader to replicate from. Its presence makes this
	// server a replica.
	ReplicaOf optional.Value[Address]
	// MetricsAddr enables the /metrics endpoint when not empty.
	MetricsAddr string
	// RateLimit caps the commands per second accepted on one connection.
	// Zero disables the limit.
	RateLimit int
}

func (s Settings) Role() Role {
	if s.ReplicaOf.IsPresent() {
		return Replica
	}
	return Master
}

func (s Settings) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSettings, s.Port)
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalidSettings)
	}
	if leader, ok := s.ReplicaOf.Get(); ok {
		if leader.Host == "" {
			return fmt.Errorf("%w: replicaof host is empty", ErrInvalidSettings)
		}
		if leader.Port < 1 || leader.Port > 65535 {
			return fmt.Errorf("%w: replicaof port %d out of range", ErrInvalidSettings, leader.Port)
		}
	}
	return nil
}

// Info is the data reported by the INFO command. Each field is a section and
// each tagged field of a section is a line.
type Info struct {
	Server      ServerInfo
	Replication ReplicationInfo
}

type ServerInfo struct {
	Version  string `info:"redis_version"`
	Mode     string `info:"redis_mode"`
	ArchBits int    `info:"arch_bits"`
}

type ReplicationInfo struct {
	Role                    Role   `info:"role"`
	ConnectedReplicas       int    `info:"connected_slaves,omitempty"`
	MasterReplicationID     string `info:"master_replid"`
	MasterReplicationOffset int64  `info:"master_repl_offset"`
	MasterHost              string `info:"master_host,omitempty"`
	MasterPort              int    `info:"master_port,omitempty"`
}

// Render encodes the named section, or the server section when section is
// empty, as "# Title" followed by "field:value" lines.
func (i Info) Render(section string) string {
	switch strings.ToLower(section) {
	case "replication":
		return renderSection("Replication", i.Replication)
	default:
		return renderSection("Server", i.Server)
	}
}

func renderSection(title string, section any) string {
	var b strings.Builder
	b.WriteString("# " + title + "\r\n")
	t := reflect.TypeOf(section)
	v := reflect.ValueOf(section)
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("info")
		if tag == "" {
			continue
		}
		name, opt, _ := strings.Cut(tag, ",")
		value := v.Field(i)
		if opt == "omitempty" && value.IsZero() {
			continue
		}
		b.WriteString(name + ":" + fmt.Sprint(value.Interface()) + "\r\n")
	}
	return b.String()
}
