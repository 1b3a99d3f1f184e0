package config

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/store"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	t.Setenv("INSTANCE_ID", "station")
	t.Setenv("TRACKED_TABLES", "accounts:accountid, runs:carid+course+run")
	t.Setenv("PEERS", "server=sync.example.org:8080")
	t.Setenv("SYNC_INTERVAL_SECONDS", "10")
	t.Setenv("PRIVATE_KEY", hex.EncodeToString(key.Serialize()))
	t.Setenv("TRUSTED_PEER_KEYS", "02aa,03bb")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, "station", config.InstanceID)
	require.Equal(t, "0.0.0.0:8080", config.GrpcListenAddress)
	require.Equal(t, "db/changesync.db", config.SQLitePath)
	require.Equal(t, []store.Table{
		{Name: "accounts", Key: []string{"accountid"}},
		{Name: "runs", Key: []string{"carid", "course", "run"}},
	}, config.TrackedTables.Tables)
	require.Equal(t, []Peer{{ID: "server", Address: "sync.example.org:8080"}}, config.Peers.List)
	require.Equal(t, 10*time.Second, config.SyncInterval())
	require.Equal(t, 500, config.SyncBatchSize)
	require.Equal(t, 500*time.Millisecond, config.FeedPollInterval())
	require.Equal(t, key.Serialize(), config.PrivateKey.Raw.Serialize())
	require.Equal(t, []string{"02aa", "03bb"}, config.TrustedPeerKeys.Keys)
	require.Equal(t, zerolog.DebugLevel, config.Logger().GetLevel())
}

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("INSTANCE_ID", "server")
	t.Setenv("TRACKED_TABLES", "accounts:accountid")

	config, err := NewConfig()
	require.NoError(t, err)
	require.Empty(t, config.Peers.List)
	require.Empty(t, config.TrustedPeerKeys.Keys)
	require.NotNil(t, config.PrivateKey.Raw)
	require.Equal(t, zerolog.InfoLevel, config.Logger().GetLevel())
}

func TestNewConfigErrors(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")
	t.Setenv("TRACKED_TABLES", "accounts:accountid")
	_, err := NewConfig()
	require.Error(t, err)

	t.Setenv("INSTANCE_ID", "server")
	t.Setenv("TRACKED_TABLES", "accounts")
	_, err = NewConfig()
	require.Error(t, err)

	t.Setenv("TRACKED_TABLES", "accounts:accountid")
	t.Setenv("PEERS", "server")
	_, err = NewConfig()
	require.Error(t, err)
}
