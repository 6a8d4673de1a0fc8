// Package client is a thin command dispatch facade over the topology
// manager: keys are hashed to slots, slots resolve to entries, and commands
// go out on the entry's master connection (or a slave connection for reads,
// when enabled). Redirect handling and per-command retries are the caller's
// business - the facade reflects the current topology and nothing more.
package client

import (
	"sync"

	"github.com/gridkv/gridkv-go/cluster"
	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/conn"
	"github.com/gridkv/gridkv-go/errors"
	"github.com/gridkv/gridkv-go/metrics"
	"github.com/gridkv/gridkv-go/metrics/prometheus"
	"github.com/gridkv/gridkv-go/sharder"
)

type Client struct {
	lock           sync.Mutex
	mgr            *cluster.Manager
	metricsFactory metrics.Factory
	closed         bool
}

// Connect bootstraps the topology from the configured seeds and returns a
// ready client.
func Connect(cfg conf.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory := conn.NewFactory(cfg.DeriveMasterSlaveConfig())
	var metricsFactory metrics.Factory
	if cfg.MetricsEnabled {
		metricsFactory = prometheus.NewFactory(cfg)
		if err := metricsFactory.Start(); err != nil {
			return nil, err
		}
	} else {
		metricsFactory = metrics.NewNoopFactory()
	}
	mgr, err := cluster.NewManager(cfg, factory, metricsFactory)
	if err != nil {
		if serr := metricsFactory.Stop(); serr != nil {
			// Ignore
		}
		return nil, err
	}
	return &Client{mgr: mgr, metricsFactory: metricsFactory}, nil
}

// NewWithManager wraps an existing manager. Used by tests and by callers
// that manage their own connection factory.
func NewWithManager(mgr *cluster.Manager) *Client {
	return &Client{mgr: mgr, metricsFactory: metrics.NewNoopFactory()}
}

func (c *Client) Manager() *cluster.Manager {
	return c.mgr
}

func (c *Client) CalcSlot(key string) int {
	return sharder.CalcSlot(key)
}

// Get returns the value for key and whether it exists.
func (c *Client) Get(key string) (string, bool, error) {
	cn, err := c.readConn(key)
	if err != nil {
		return "", false, err
	}
	res, err := cn.Sync("GET", key)
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	value, ok := res.(string)
	if !ok {
		return "", false, errors.Errorf("unexpected GET reply type %T", res)
	}
	return value, true, nil
}

func (c *Client) Set(key string, value string) error {
	cn, err := c.writeConn(key)
	if err != nil {
		return err
	}
	_, err = cn.Sync("SET", key, value)
	return err
}

// Del removes key and reports whether it existed.
func (c *Client) Del(key string) (bool, error) {
	cn, err := c.writeConn(key)
	if err != nil {
		return false, err
	}
	res, err := cn.Sync("DEL", key)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, errors.Errorf("unexpected DEL reply type %T", res)
	}
	return n > 0, nil
}

func (c *Client) entryFor(key string) (*conn.Entry, error) {
	slot := sharder.CalcSlot(key)
	entry := c.mgr.GetEntry(slot)
	if entry == nil {
		return nil, errors.NewUnknownEntryError(slot)
	}
	return entry, nil
}

func (c *Client) readConn(key string) (conn.Conn, error) {
	entry, err := c.entryFor(key)
	if err != nil {
		return nil, err
	}
	return entry.ReadConn()
}

func (c *Client) writeConn(key string) (conn.Conn, error) {
	entry, err := c.entryFor(key)
	if err != nil {
		return nil, err
	}
	return entry.WriteConn()
}

// Close shuts down the topology manager and the metrics exporter. Safe to
// call more than once.
func (c *Client) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.mgr.Shutdown()
	if err := c.metricsFactory.Stop(); err != nil {
		// Ignore - Close has no way to report it
	}
}
