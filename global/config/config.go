package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Channel transport selection for the coordinator's duplex channel.
const (
	ChannelWebsocket = "websocket"
	ChannelNats      = "nats"
	ChannelMemory    = "memory" // in-process loopback, local/demo mode
)

// Store backend selection for the durable history store.
const (
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreSqlite = "sqlite"
	StoreMemory = "memory"
)

type AppConfig struct {
	NodeID int64 `yaml:"node_id"` // snowflake node id

	// GameTypes lists the game lobbies whose global contexts are
	// pre-created at startup.
	GameTypes []string `yaml:"game_types"`

	HistoryLimit  int           `yaml:"history_limit"`  // per-context cap
	FlushDebounce time.Duration `yaml:"flush_debounce"` // cache write coalescing window
	MemoryCeiling int           `yaml:"memory_ceiling"` // total cached messages before defensive trim
	SweepEvery    time.Duration `yaml:"sweep_every"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReconnectAttempts uint64        `yaml:"reconnect_attempts"`
	ReconnectWait     time.Duration `yaml:"reconnect_wait"`
	ReconnectMaxWait  time.Duration `yaml:"reconnect_max_wait"`

	Channel string `yaml:"channel"` // websocket | nats | memory
	Store   string `yaml:"store"`   // redis | mongo | sqlite | memory

	WSURL       string   `yaml:"ws_url"`
	NatsServers []string `yaml:"nats_servers"`
	NatsSubject string   `yaml:"nats_subject"` // subject prefix, e.g. "warchat"

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`

	SqlitePath string `yaml:"sqlite_path"`

	HTTPPort  int    `yaml:"http_port"` // local bridge for the UI layer
	JwtSecret string `yaml:"jwt_secret"`
}

// Global carries the node defaults; Load overlays a yaml file on top
// of it.
var Global = AppConfig{
	NodeID:            100,
	GameTypes:         []string{"wc1", "wc2"},
	HistoryLimit:      25,
	FlushDebounce:     time.Second,
	MemoryCeiling:     2000,
	SweepEvery:        30 * time.Second,
	HandshakeTimeout:  10 * time.Second,
	ReconnectAttempts: 8,
	ReconnectWait:     500 * time.Millisecond,
	ReconnectMaxWait:  15 * time.Second,
	Channel:           ChannelWebsocket,
	Store:             StoreSqlite,
	WSURL:             "ws://127.0.0.1:8080/ws",
	NatsSubject:       "warchat",
	SqlitePath:        "warchat.db",
	HTTPPort:          8090,
}

// Load reads a yaml config file over the Global defaults.
func Load(path string) (*AppConfig, error) {
	cfg := Global
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.Norm()
	return &cfg, nil
}

// Norm fills zero values with usable defaults.
func (c *AppConfig) Norm() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 25
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = time.Second
	}
	if c.MemoryCeiling <= 0 {
		c.MemoryCeiling = 2000
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 8
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.ReconnectMaxWait <= 0 {
		c.ReconnectMaxWait = 15 * time.Second
	}
	if len(c.GameTypes) == 0 {
		c.GameTypes = []string{"wc2"}
	}
}
