package health

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// A cancelled context fails the check whether or not a server is listening.
func TestRedisChecker_CancelledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() error = nil, want error for cancelled context")
	}
}

func TestReplicationRole(t *testing.T) {
	tests := []struct {
		name string
		info string
		want string
	}{
		{"primary", "# Replication\r\nrole:master\r\nconnected_slaves:0\r\n", "master"},
		{"replica", "# Replication\r\nrole:slave\r\nmaster_host:10.0.0.4\r\nmaster_port:6379\r\n", "slave"},
		{"empty", "", ""},
		{"no role line", "# Replication\r\nconnected_slaves:2\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := replicationRole(tt.info); got != tt.want {
				t.Errorf("replicationRole() = %q, want %q", got, tt.want)
			}
		})
	}
}
