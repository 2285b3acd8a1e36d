package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DbDriverMysql    = "mysql"
	DbDriverPostgres = "postgres"
	DbDriverSqlite   = "sqlite3"

	DefaultWsEndpoint = "/websocket"

	DefaultPollBaseInterval  = 7500
	DefaultPollMaxInterval   = 60000
	DefaultTraceTimeout      = 120000
	DefaultConnectionTimeout = 15000
	DefaultTimeoutGrace      = 30000
	DefaultPingInterval      = 1500
)

type Chain struct {
	ChainId    string `toml:"chain_id" json:"chain_id"`
	RpcUrl     string `toml:"rpc_url" json:"rpc_url"`
	WsEndpoint string `toml:"ws_endpoint" json:"ws_endpoint"`
}

// Tracer holds timing knobs of the status tracing. All values are in milliseconds.
type Tracer struct {
	PollBaseInterval  int `toml:"poll_base_interval"`
	PollMaxInterval   int `toml:"poll_max_interval"`
	TraceTimeout      int `toml:"trace_timeout"`
	ConnectionTimeout int `toml:"connection_timeout"`
	TimeoutGrace      int `toml:"timeout_grace"`
	PingInterval      int `toml:"ping_interval"`
}

type Config struct {
	DbDriver   string `toml:"db_driver"`
	DbHost     string `toml:"db_host"`
	DbPort     int    `toml:"db_port"`
	DbUsername string `toml:"db_username"`
	DbPassword string `toml:"db_password"`
	DbSchema   string `toml:"db_schema"`
	InMemory   bool   `toml:"in_memory"`

	ServerPort int `toml:"server_port"`

	// Chain id of the home chain (bostrom). Transfers sent from it are withdrawals.
	HomeChainId string `toml:"home_chain_id"`

	Tracer Tracer           `toml:"tracer"`
	Chains map[string]Chain `toml:"chains"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config file %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every zero tunable with its default and normalizes chain entries.
func ApplyDefaults(cfg *Config) {
	if cfg.DbDriver == "" {
		cfg.DbDriver = DbDriverMysql
	}
	if cfg.InMemory {
		cfg.DbDriver = DbDriverSqlite
	}

	t := &cfg.Tracer
	if t.PollBaseInterval <= 0 {
		t.PollBaseInterval = DefaultPollBaseInterval
	}
	if t.PollMaxInterval <= 0 {
		t.PollMaxInterval = DefaultPollMaxInterval
	}
	if t.TraceTimeout <= 0 {
		t.TraceTimeout = DefaultTraceTimeout
	}
	if t.ConnectionTimeout <= 0 {
		t.ConnectionTimeout = DefaultConnectionTimeout
	}
	if t.TimeoutGrace <= 0 {
		t.TimeoutGrace = DefaultTimeoutGrace
	}
	if t.PingInterval <= 0 {
		t.PingInterval = DefaultPingInterval
	}

	if cfg.Chains == nil {
		cfg.Chains = make(map[string]Chain)
	}
	for id, chain := range cfg.Chains {
		if chain.ChainId == "" {
			chain.ChainId = id
		}
		if chain.WsEndpoint == "" {
			chain.WsEndpoint = DefaultWsEndpoint
		}
		cfg.Chains[id] = chain
	}
}

// FindRpc returns the rpc url of a chain. The second value is false for chains that are not
// configured.
func (c *Config) FindRpc(chainId string) (string, bool) {
	chain, ok := c.Chains[chainId]
	if !ok || chain.RpcUrl == "" {
		return "", false
	}

	return chain.RpcUrl, true
}

func (c *Config) FindChain(chainId string) (Chain, bool) {
	chain, ok := c.Chains[chainId]
	if !ok || chain.RpcUrl == "" {
		return Chain{}, false
	}

	return chain, true
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
