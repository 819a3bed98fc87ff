package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validYAML = `
server:
  addr: ":9090"
ledger:
  base_url: "http://ledger.internal:8080"
markets:
  - id: POOL-ALPHA
    fees:
      platform_fee_bps: 250
      royalty_bps: 500
      royalty_recipient: "acct:creator-alpha"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Settlement.BackoffBase)
	assert.Equal(t, []string{"POOL-ALPHA"}, cfg.MarketIDs())

	schedules := cfg.FeeSchedules()
	require.Contains(t, schedules, "POOL-ALPHA")
	assert.Equal(t, int64(250), schedules["POOL-ALPHA"].PlatformFeeBps)
}

func TestLoadRejectsMissingMarkets(t *testing.T) {
	_, err := Load(writeConfig(t, `
ledger:
  base_url: "http://ledger.internal:8080"
`))
	assert.ErrorContains(t, err, "at least one market")
}

func TestLoadRejectsBadFees(t *testing.T) {
	_, err := Load(writeConfig(t, `
ledger:
  base_url: "http://ledger.internal:8080"
markets:
  - id: POOL-ALPHA
    fees:
      platform_fee_bps: 9000
      royalty_bps: 9000
      royalty_recipient: "acct:creator"
`))
	assert.ErrorContains(t, err, "fees")
}

func TestLoadRejectsDuplicateMarkets(t *testing.T) {
	_, err := Load(writeConfig(t, `
ledger:
  base_url: "http://ledger.internal:8080"
markets:
  - id: POOL-ALPHA
    fees:
      platform_fee_bps: 250
      royalty_bps: 500
      royalty_recipient: "acct:creator"
  - id: POOL-ALPHA
    fees:
      platform_fee_bps: 250
      royalty_bps: 500
      royalty_recipient: "acct:creator"
`))
	assert.ErrorContains(t, err, "duplicate market")
}

func TestLoadRejectsMissingLedgerURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
markets:
  - id: POOL-ALPHA
    fees:
      platform_fee_bps: 250
      royalty_bps: 500
      royalty_recipient: "acct:creator"
`))
	assert.ErrorContains(t, err, "ledger.base_url")
}
