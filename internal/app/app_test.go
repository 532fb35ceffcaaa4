package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortex-trading/vortex/internal/config"
)

const wiringYAML = `
general:
  dry_run: true

venues:
  raydium:
    enabled: true
    curve: constant_product
  orca:
    enabled: true
    curve: concentrated
  meteora:
    enabled: true
    curve: bins

streaming:
  endpoint: wss://stream.example

tokens:
  - mint: So11111111111111111111111111111111111111112
    symbol: SOL
    decimals: 9
    usd_price: 150
  - mint: EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v
    symbol: USDC
    decimals: 6
    usd_price: 1

pools:
  - id: 4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R
    venue: raydium
    token_a: So11111111111111111111111111111111111111112
    token_b: EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v
    fee_bps: 25
    program_id: 675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8
    vault_a: 96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5
    vault_b: HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E
    authority: Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY
  - id: ADaUMid9yfUytqMBgopwjb2DTLSLuiv3Jhqzsg1dbE7B
    venue: orca
    token_a: So11111111111111111111111111111111111111112
    token_b: EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v
    fee_bps: 30
    program_id: DfXygSm4jCyNCzbzYYR18MFJkvDVwVS7s3d7rZmLhRDd
    vault_a: ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt
    vault_b: DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL
    authority: 3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT

wallet:
  token_accounts:
    So11111111111111111111111111111111111111112: 96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5
    EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v: HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E
`

func TestAppWiring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(wiringYAML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	a, err := New(cfg)
	require.NoError(t, err)

	// Two pools over the same pair index exactly one 2-cycle.
	assert.Equal(t, 1, a.index.Size())
	assert.Len(t, a.ingestor.Accounts(), 2)
	assert.ElementsMatch(t, []string{"meteora", "orca", "raydium"}, a.registry.Venues())
}

func TestAppWiringRejectsBadPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bad := strings.Replace(wiringYAML,
		"id: 4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R",
		"id: not-a-pubkey", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = New(cfg)
	assert.Error(t, err)
}
