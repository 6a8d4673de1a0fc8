// Package conn implements the GridKV wire connection layer: the RESP codec,
// the client and connection types used for both probe and user traffic, the
// per-master entry which owns the connections serving one partition, and the
// slave load balancers.
package conn

import (
	"net"
	"strconv"
	"time"

	"github.com/gridkv/gridkv-go/errors"
)

// FreezeReason says why a slave endpoint was taken out of rotation.
type FreezeReason int

const (
	FreezeManager FreezeReason = iota + 1
	FreezeReconnect
	FreezeSystem
)

func (r FreezeReason) String() string {
	switch r {
	case FreezeManager:
		return "MANAGER"
	case FreezeReconnect:
		return "RECONNECT"
	case FreezeSystem:
		return "SYSTEM"
	}
	return "UNKNOWN"
}

// Factory creates clients for cluster node endpoints. The topology manager
// and the entries go through a Factory so tests can substitute a fake
// connection layer.
type Factory interface {
	CreateClient(host string, port int, connectTimeout time.Duration) Client
}

// Client is a connection factory for one endpoint.
type Client interface {
	// Connect dials the endpoint and performs the handshake.
	Connect() (Conn, error)

	// Addr returns the endpoint in host:port form.
	Addr() string

	// Shutdown closes every connection created by this client.
	Shutdown()
}

// Conn is a single blocking request/response connection.
type Conn interface {
	// Sync sends one command and waits for the reply. Replies are decoded to
	// string (simple or bulk), int64, nil (nil bulk) or []interface{}.
	// A server error reply is returned as an error.
	Sync(args ...string) (interface{}, error)

	IsActive() bool

	// CloseAsync marks the connection inactive and closes it in the
	// background.
	CloseAsync()

	Addr() string
}

// SplitAddr splits a host:port string.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid port in address %q", addr)
	}
	return host, port, nil
}
