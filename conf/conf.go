package conf

import (
	"fmt"
	"time"

	"github.com/gridkv/gridkv-go/errors"
)

const (
	DefaultScanInterval                = 1 * time.Second
	DefaultConnectTimeout              = 10 * time.Second
	DefaultTimeout                     = 60 * time.Second
	DefaultPingTimeout                 = 1 * time.Second
	DefaultRetryInterval               = 1 * time.Second
	DefaultRetryAttempts               = 3
	DefaultIdleConnectionTimeout       = 10 * time.Second
	DefaultFailedAttempts              = 3
	DefaultReconnectionTimeout         = 3 * time.Second
	DefaultMasterConnectionPoolSize    = 10
	DefaultSlaveConnectionPoolSize     = 10
	DefaultSubscriptionPoolSize        = 25
	DefaultSubscriptionsPerConnection  = 5
	DefaultMasterConnectionMinimumIdle = 1
	DefaultSlaveConnectionMinimumIdle  = 1
	DefaultMetricsHTTPListenAddr       = "localhost:2112"
)

// Load balancer names accepted by Config.LoadBalancer.
const (
	LoadBalancerRoundRobin = "round_robin"
	LoadBalancerRandom     = "random"
)

// Config holds the settings for a cluster client. NodeAddresses is the seed
// list used for the initial topology discovery; the remaining connection
// settings are copied into the per-master config handed to each entry.
type Config struct {
	NodeAddresses  []string      `json:"node_addresses,omitempty"`
	ReadFromSlaves bool          `json:"read_from_slaves,omitempty"`
	ScanInterval   time.Duration `json:"scan_interval,omitempty"`

	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	RetryInterval  time.Duration `json:"retry_interval,omitempty"`
	RetryAttempts  int           `json:"retry_attempts,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	PingTimeout    time.Duration `json:"ping_timeout,omitempty"`

	LoadBalancer string `json:"load_balancer,omitempty"`
	Password     string `json:"password,omitempty"`
	Database     int    `json:"database,omitempty"`
	ClientName   string `json:"client_name,omitempty"`

	IdleConnectionTimeout time.Duration `json:"idle_connection_timeout,omitempty"`
	FailedAttempts        int           `json:"failed_attempts,omitempty"`
	ReconnectionTimeout   time.Duration `json:"reconnection_timeout,omitempty"`

	MasterConnectionPoolSize                   int `json:"master_connection_pool_size,omitempty"`
	MasterConnectionMinimumIdleSize            int `json:"master_connection_minimum_idle_size,omitempty"`
	SlaveConnectionPoolSize                    int `json:"slave_connection_pool_size,omitempty"`
	SlaveConnectionMinimumIdleSize             int `json:"slave_connection_minimum_idle_size,omitempty"`
	SlaveSubscriptionConnectionPoolSize        int `json:"slave_subscription_connection_pool_size,omitempty"`
	SlaveSubscriptionConnectionMinimumIdleSize int `json:"slave_subscription_connection_minimum_idle_size,omitempty"`
	SubscriptionsPerConnection                 int `json:"subscriptions_per_connection,omitempty"`

	MetricsEnabled        bool   `json:"metrics_enabled,omitempty"`
	MetricsHTTPListenAddr string `json:"metrics_http_listen_addr,omitempty"`
}

func (c *Config) Validate() error {
	if len(c.NodeAddresses) == 0 {
		return errors.NewInvalidConfigurationError("NodeAddresses must be specified")
	}
	if c.ScanInterval < 100*time.Millisecond {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("ScanInterval must be >= %v", 100*time.Millisecond))
	}
	if c.ConnectTimeout <= 0 {
		return errors.NewInvalidConfigurationError("ConnectTimeout must be > 0")
	}
	if c.Timeout <= 0 {
		return errors.NewInvalidConfigurationError("Timeout must be > 0")
	}
	if c.RetryAttempts < 0 {
		return errors.NewInvalidConfigurationError("RetryAttempts must be >= 0")
	}
	if c.Database < 0 {
		return errors.NewInvalidConfigurationError("Database must be >= 0")
	}
	switch c.LoadBalancer {
	case LoadBalancerRoundRobin, LoadBalancerRandom:
	default:
		return errors.NewInvalidConfigurationError(fmt.Sprintf("unknown LoadBalancer %q, must be %q or %q",
			c.LoadBalancer, LoadBalancerRoundRobin, LoadBalancerRandom))
	}
	if c.MasterConnectionPoolSize < 1 {
		return errors.NewInvalidConfigurationError("MasterConnectionPoolSize must be >= 1")
	}
	if c.ReadFromSlaves && c.SlaveConnectionPoolSize < 1 {
		return errors.NewInvalidConfigurationError("SlaveConnectionPoolSize must be >= 1")
	}
	return nil
}

// MasterSlaveConfig is the per-master slice of Config handed to each entry.
// The shared connection settings are copied verbatim from the cluster
// config; MasterAddress and SlaveAddresses are filled in per partition by
// the topology manager.
type MasterSlaveConfig struct {
	MasterAddress  string
	SlaveAddresses []string

	ReadFromSlaves bool

	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	RetryAttempts  int
	Timeout        time.Duration
	PingTimeout    time.Duration

	LoadBalancer string
	Password     string
	Database     int
	ClientName   string

	IdleConnectionTimeout time.Duration
	FailedAttempts        int
	ReconnectionTimeout   time.Duration

	MasterConnectionPoolSize                   int
	MasterConnectionMinimumIdleSize            int
	SlaveConnectionPoolSize                    int
	SlaveConnectionMinimumIdleSize             int
	SlaveSubscriptionConnectionPoolSize        int
	SlaveSubscriptionConnectionMinimumIdleSize int
	SubscriptionsPerConnection                 int
}

// DeriveMasterSlaveConfig copies the shared connection settings into the
// config used for a single entry.
func (c *Config) DeriveMasterSlaveConfig() MasterSlaveConfig {
	return MasterSlaveConfig{
		ReadFromSlaves:                  c.ReadFromSlaves,
		ConnectTimeout:                  c.ConnectTimeout,
		RetryInterval:                   c.RetryInterval,
		RetryAttempts:                   c.RetryAttempts,
		Timeout:                         c.Timeout,
		PingTimeout:                     c.PingTimeout,
		LoadBalancer:                    c.LoadBalancer,
		Password:                        c.Password,
		Database:                        c.Database,
		ClientName:                      c.ClientName,
		IdleConnectionTimeout:           c.IdleConnectionTimeout,
		FailedAttempts:                  c.FailedAttempts,
		ReconnectionTimeout:             c.ReconnectionTimeout,
		MasterConnectionPoolSize:        c.MasterConnectionPoolSize,
		MasterConnectionMinimumIdleSize: c.MasterConnectionMinimumIdleSize,
		SlaveConnectionPoolSize:         c.SlaveConnectionPoolSize,
		SlaveConnectionMinimumIdleSize:  c.SlaveConnectionMinimumIdleSize,
		SlaveSubscriptionConnectionPoolSize:        c.SlaveSubscriptionConnectionPoolSize,
		SlaveSubscriptionConnectionMinimumIdleSize: c.SlaveSubscriptionConnectionMinimumIdleSize,
		SubscriptionsPerConnection:                 c.SubscriptionsPerConnection,
	}
}

func NewDefaultConfig() *Config {
	return &Config{
		ScanInterval:                    DefaultScanInterval,
		ConnectTimeout:                  DefaultConnectTimeout,
		RetryInterval:                   DefaultRetryInterval,
		RetryAttempts:                   DefaultRetryAttempts,
		Timeout:                         DefaultTimeout,
		PingTimeout:                     DefaultPingTimeout,
		LoadBalancer:                    LoadBalancerRoundRobin,
		IdleConnectionTimeout:           DefaultIdleConnectionTimeout,
		FailedAttempts:                  DefaultFailedAttempts,
		ReconnectionTimeout:             DefaultReconnectionTimeout,
		MasterConnectionPoolSize:        DefaultMasterConnectionPoolSize,
		MasterConnectionMinimumIdleSize: DefaultMasterConnectionMinimumIdle,
		SlaveConnectionPoolSize:         DefaultSlaveConnectionPoolSize,
		SlaveConnectionMinimumIdleSize:  DefaultSlaveConnectionMinimumIdle,
		SlaveSubscriptionConnectionPoolSize:        DefaultSubscriptionPoolSize,
		SlaveSubscriptionConnectionMinimumIdleSize: 1,
		SubscriptionsPerConnection:                 DefaultSubscriptionsPerConnection,
		MetricsHTTPListenAddr:                      DefaultMetricsHTTPListenAddr,
	}
}
