package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Trading.PaperTradingMode)
	assert.Equal(t, "FIFTEEN_MINUTE", cfg.Trading.Granularity)
	assert.Equal(t, 5, cfg.Risk.MaxConcurrent)
	assert.True(t, cfg.Exit.ProfitExitPct.Equal(decimal.RequireFromString("0.05")))
}

func TestLoadOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
trading:
  paper_trading_mode: true
  loop_sleep_seconds: 5
  max_products: 3
risk:
  max_spread_pct: "0.004"
  max_concurrent: 2
strategies:
  active: hybrid
  hybrid_k: 3
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Trading.LoopSleepSeconds)
	assert.Equal(t, 3, cfg.Trading.MaxProducts)
	assert.Equal(t, 2, cfg.Risk.MaxConcurrent)
	assert.True(t, cfg.Risk.MaxSpreadPct.Equal(decimal.RequireFromString("0.004")))
	assert.Equal(t, "hybrid", cfg.Strategies.Active)
	assert.Equal(t, 3, cfg.Strategies.HybridK)
	// Untouched keys keep defaults.
	assert.Equal(t, 200, cfg.Trading.CandleHistory)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cfg := Default()
	cfg.Strategies.Active = "astrology"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Trading.CandleHistory = 10
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Trading.PaperTradingMode = false
	cfg.Creds = Credentials{}
	require.Error(t, cfg.Validate())
}
