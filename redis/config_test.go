package redis

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rafaelvchaves/respkv/lib/optional"
)

func TestParseReplicaOf(t *testing.T) {
	tests := map[string]struct {
		input   string
		want    Address
		wantErr bool
	}{
		"host and port":       {input: "127.0.0.1 6380", want: Address{Host: "127.0.0.1", Port: 6380}},
		"extra whitespace":    {input: "  localhost   6379 ", want: Address{Host: "localhost", Port: 6379}},
		"missing port":        {input: "localhost", wantErr: true},
		"colon form":          {input: "localhost:6379", wantErr: true},
		"non-numeric port":    {input: "localhost abc", wantErr: true},
		"port out of range":   {input: "localhost 70000", wantErr: true},
		"port zero":           {input: "localhost 0", wantErr: true},
		"too many components": {input: "localhost 6379 extra", wantErr: true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseReplicaOf(test.input)
			if test.wantErr {
				if !errors.Is(err, ErrInvalidSettings) {
					t.Fatalf("ParseReplicaOf(%q) error = %v, want %v", test.input, err, ErrInvalidSettings)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReplicaOf(%q) unexpected error: %v", test.input, err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("ParseReplicaOf(%q) mismatch (-want +got):\n%s", test.input, diff)
			}
		})
	}
}

func TestAddressString(t *testing.T) {
	if got, want := (Address{Host: "::1", Port: 6379}).String(), "[::1]:6379"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := map[string]struct {
		settings Settings
		wantErr  bool
	}{
		"defaults":           {settings: Settings{Host: "0.0.0.0", Port: 6379}},
		"ephemeral port":     {settings: Settings{Port: 0}},
		"negative port":      {settings: Settings{Port: -1}, wantErr: true},
		"port too large":     {settings: Settings{Port: 65536}, wantErr: true},
		"negative rate":      {settings: Settings{Port: 6379, RateLimit: -1}, wantErr: true},
		"replica":            {settings: Settings{Port: 6380, ReplicaOf: optional.Some(Address{Host: "localhost", Port: 6379})}},
		"replica empty host": {settings: Settings{Port: 6380, ReplicaOf: optional.Some(Address{Port: 6379})}, wantErr: true},
		"replica bad port":   {settings: Settings{Port: 6380, ReplicaOf: optional.Some(Address{Host: "h"})}, wantErr: true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.settings.Validate()
			if (err != nil) != test.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestSettingsRole(t *testing.T) {
	if got := (Settings{}).Role(); got != Master {
		t.Errorf("Role() without replicaof = %q, want %q", got, Master)
	}
	replica := Settings{ReplicaOf: optional.Some(Address{Host: "localhost", Port: 6379})}
	if got := replica.Role(); got != Replica {
		t.Errorf("Role() with replicaof = %q, want %q", got, Replica)
	}
}

func TestInfoRender(t *testing.T) {
	info := Info{
		Server: ServerInfo{Version: "7.2.0", Mode: "standalone", ArchBits: 64},
		Replication: ReplicationInfo{
			Role:                Replica,
			MasterReplicationID: ReplicationID,
			MasterHost:          "localhost",
			MasterPort:          6379,
		},
	}
	tests := map[string]struct {
		section string
		want    string
	}{
		"server banner": {
			want: "# Server\r\nredis_version:7.2.0\r\nredis_mode:standalone\r\narch_bits:64\r\n",
		},
		"replication": {
			section: "replication",
			want: "# Replication\r\nrole:slave\r\nmaster_replid:" + ReplicationID +
				"\r\nmaster_repl_offset:0\r\nmaster_host:localhost\r\nmaster_port:6379\r\n",
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(test.want, info.Render(test.section)); diff != "" {
				t.Errorf("Render(%q) mismatch (-want +got):\n%s", test.section, diff)
			}
		})
	}
}
