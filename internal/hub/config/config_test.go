package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":4501", c.Addr)
	require.Equal(t, 30*time.Second, c.PresenceTTL)
	require.Equal(t, 600*time.Second, c.ShardStaleAfter)
	require.Equal(t, 50, c.DefaultShardSize)
	require.Equal(t, 1.0, c.PriceSuccess)
	require.Equal(t, 0.0, c.PriceFailure)
	require.NoError(t, c.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLEETSEND_DEFAULT_SHARD_SIZE", "25")
	t.Setenv("FLEETSEND_SHARD_STALE_AFTER", "5m")
	t.Setenv("FLEETSEND_PRICE_SUCCESS", "2.5")

	c, err := Load("", t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 25, c.DefaultShardSize)
	require.Equal(t, 5*time.Minute, c.ShardStaleAfter)
	require.Equal(t, 2.5, c.PriceSuccess)
}

func TestFlagsWinOverEnv(t *testing.T) {
	t.Setenv("FLEETSEND_ADDR", ":9999")

	c, err := Load(":4600", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, ":4600", c.Addr)
}
