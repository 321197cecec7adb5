package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Mode:                 ModeMock,
		OpeningCapital:       300000,
		SleeveSplitGen:       0.40,
		SleeveSplitRev:       0.30,
		SleeveSplitCom:       0.30,
		CapitalDeploymentPct: 0.95,
		PerSymbolExposureCap: 0.25,
		SlippageCapPct:       0.05,
		PollInterval:         5 * time.Second,
		AckTimeout:           3 * time.Second,
		FillWindow:           30 * time.Second,
		ATRPeriod:            5,
		VIXThresholdHedge:    50,
		VIXThresholdSafe:     65,
		VIXThresholdKill:     80,
		ForkThresholdGen:     100000,
		ForkThresholdRev:     500000,
		ReinvestTaxReserve:   0.30,
		ReinvestContracts:    0.525,
		ReinvestLEAPs:        0.175,
	}
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_SleeveSplitMustSumToOne(t *testing.T) {
	cfg := validConfig()
	cfg.SleeveSplitGen = 0.50
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sleeve split")
}

func TestValidate_DeploymentPctRange(t *testing.T) {
	cfg := validConfig()
	cfg.CapitalDeploymentPct = 0.90
	assert.Error(t, cfg.Validate())

	cfg.CapitalDeploymentPct = 1.01
	assert.Error(t, cfg.Validate())

	cfg.CapitalDeploymentPct = 1.00
	assert.NoError(t, cfg.Validate())
}

func TestValidate_OpeningCapitalMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.OpeningCapital = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening_capital")
}

func TestValidate_VIXThresholdsMustIncrease(t *testing.T) {
	cfg := validConfig()
	cfg.VIXThresholdSafe = 90
	assert.Error(t, cfg.Validate())
}

func TestValidate_ReinvestFractionsSumToOne(t *testing.T) {
	cfg := validConfig()
	cfg.ReinvestLEAPs = 0.30
	assert.Error(t, cfg.Validate())
}

func TestValidate_InvalidMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "paper"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestLoad_DefaultsApply(t *testing.T) {
	t.Setenv("ALLUSE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeMock, cfg.Mode)
	assert.InDelta(t, 300000, cfg.OpeningCapital, 0.0001)
	assert.InDelta(t, 0.40, cfg.SleeveSplitGen, 0.0001)
	assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.MonitorIntervalL0)
	assert.Equal(t, 1*time.Second, cfg.MonitorIntervalL3)
	assert.InDelta(t, 80, cfg.VIXThresholdKill, 0.0001)
	assert.Equal(t, 5, cfg.ATRPeriod)
	assert.Empty(t, cfg.FeedURL)
	assert.False(t, cfg.BackupEnabled())
}
