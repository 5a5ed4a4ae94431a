package config

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://blockstream.info/api/", cfg.Ledger.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.RequestDelay)
	assert.Equal(t, 20000, cfg.Ledger.MaxTransactions)
	assert.Equal(t, 25, cfg.Ledger.PageSize)
	assert.Equal(t, "api_cache", cfg.Mongo.Database)
	assert.Equal(t, time.Second, cfg.Crawler.RetryBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Crawler.BlockInterval)
	assert.False(t, cfg.Crawler.Enabled)
	assert.False(t, cfg.Classifier.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LEDGER_PAGE_SIZE", "50")
	t.Setenv("MONGO_URI", "mongodb://cache:27017")
	t.Setenv("CRAWLER_START_HEIGHT", "840000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Ledger.PageSize)
	assert.Equal(t, "mongodb://cache:27017", cfg.Mongo.URI)
	assert.Equal(t, int64(840000), cfg.Crawler.StartHeight)
}

func TestChainParams(t *testing.T) {
	for network, want := range map[string]*chaincfg.Params{
		"":        &chaincfg.MainNetParams,
		"mainnet": &chaincfg.MainNetParams,
		"Testnet": &chaincfg.TestNet3Params,
		"signet":  &chaincfg.SigNetParams,
		"regtest": &chaincfg.RegressionNetParams,
	} {
		params, err := (&AppConfig{Network: network}).ChainParams()
		require.NoError(t, err, network)
		assert.Same(t, want, params, network)
	}

	_, err := (&AppConfig{Network: "litecoin"}).ChainParams()
	assert.Error(t, err)
}
