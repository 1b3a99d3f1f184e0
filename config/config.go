package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/store"
)

// TrackedTables parses "table:col1+col2,table2:col".
type TrackedTables struct {
	Tables []store.Table
}

func (t *TrackedTables) UnmarshalEnvironmentValue(data string) error {
	for _, spec := range splitList(data) {
		name, cols, ok := strings.Cut(spec, ":")
		if !ok || name == "" || cols == "" {
			return fmt.Errorf("invalid tracked table %q, expected table:key1+key2", spec)
		}
		t.Tables = append(t.Tables, store.Table{Name: name, Key: strings.Split(cols, "+")})
	}
	return nil
}

type Peer struct {
	ID      string
	Address string
}

// Peers parses "id=host:port,id2=host:port".
type Peers struct {
	List []Peer
}

func (p *Peers) UnmarshalEnvironmentValue(data string) error {
	for _, spec := range splitList(data) {
		id, addr, ok := strings.Cut(spec, "=")
		if !ok || id == "" || addr == "" {
			return fmt.Errorf("invalid peer %q, expected id=host:port", spec)
		}
		p.List = append(p.List, Peer{ID: id, Address: addr})
	}
	return nil
}

type PrivateKey struct {
	Raw *btcec.PrivateKey
}

func (k *PrivateKey) UnmarshalEnvironmentValue(data string) error {
	decoded, err := hex.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("could not decode hex private key: %w", err)
	}
	if len(decoded) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("private key must be %d bytes", btcec.PrivKeyBytesLen)
	}
	k.Raw, _ = btcec.PrivKeyFromBytes(decoded)
	return nil
}

type KeyList struct {
	Keys []string
}

func (l *KeyList) UnmarshalEnvironmentValue(data string) error {
	l.Keys = splitList(data)
	return nil
}

func splitList(data string) []string {
	var out []string
	for _, s := range strings.Split(data, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type Config struct {
	InstanceID           string         `env:"INSTANCE_ID"`
	GrpcListenAddress    string         `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	WebListenAddress     string         `env:"WEB_LISTEN_ADDRESS"`
	MetricsListenAddress string         `env:"METRICS_LISTEN_ADDRESS"`
	SQLitePath           string         `env:"SQLITE_PATH,default=db/changesync.db"`
	PgDatabaseUrl        string         `env:"DATABASE_URL"`
	AppSchemaPath        string         `env:"APP_SCHEMA_PATH"`
	TrackedTables        *TrackedTables `env:"TRACKED_TABLES"`
	Peers                *Peers         `env:"PEERS"`
	SyncIntervalSeconds  int            `env:"SYNC_INTERVAL_SECONDS,default=30"`
	SyncBatchSize        int            `env:"SYNC_BATCH_SIZE,default=500"`
	FeedPollMillis       int            `env:"FEED_POLL_MILLIS,default=500"`
	PrivateKey           *PrivateKey    `env:"PRIVATE_KEY"`
	TrustedPeerKeys      *KeyList       `env:"TRUSTED_PEER_KEYS"`
	LogLevel             string         `env:"LOG_LEVEL,default=info"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.InstanceID == "" {
		return nil, fmt.Errorf("INSTANCE_ID is required")
	}
	if config.TrackedTables == nil || len(config.TrackedTables.Tables) == 0 {
		return nil, fmt.Errorf("TRACKED_TABLES is required")
	}
	if config.Peers == nil {
		config.Peers = &Peers{}
	}
	if config.TrustedPeerKeys == nil {
		config.TrustedPeerKeys = &KeyList{}
	}
	if config.PrivateKey == nil {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		config.PrivateKey = &PrivateKey{Raw: key}
	}
	if config.SyncIntervalSeconds < 0 || config.SyncBatchSize <= 0 || config.FeedPollMillis <= 0 {
		return nil, fmt.Errorf("sync interval, batch size and feed poll interval must be positive")
	}
	return &config, nil
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c *Config) FeedPollInterval() time.Duration {
	return time.Duration(c.FeedPollMillis) * time.Millisecond
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("instance", c.InstanceID).Logger()
}
