package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.RuleOfThree.Threshold)
	assert.Equal(t, 90, cfg.RuleOfThree.FreshnessDays)
	assert.Equal(t, 28, cfg.Revalidation.WindowDays)
	assert.Equal(t, 25*time.Second, cfg.Deepening.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Deepening.MinInterval)
	assert.Equal(t, "97_Decisions/_RTI_Proposals", cfg.Vault.ProposalDrafts)
	assert.Equal(t, []string{"Archive signal"}, cfg.NextActions("reject"))
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("rule_of_three:\n  threshold: 5\nvault:\n  root: /srv/vault\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RuleOfThree.Threshold)
	assert.Equal(t, 90, cfg.RuleOfThree.FreshnessDays)
	assert.Equal(t, "/srv/vault", cfg.Vault.Root)
	assert.Equal(t, "02_LTI", cfg.Vault.InsightFinal)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromYAML([]byte("rule_of_three:\n  threshold: 0\n"))
	assert.ErrorContains(t, err, "threshold")

	_, err = FromYAML([]byte("vault:\n  cases: /abs/cos\n"))
	assert.ErrorContains(t, err, "relative")

	_, err = FromYAML([]byte("rbac:\n  default_role: ghost\n"))
	assert.ErrorContains(t, err, "ghost")

	_, err = FromYAML([]byte("webhooks:\n  - events: [\"*\"]\n"))
	assert.ErrorContains(t, err, "url")

	_, err = FromYAML([]byte("::not yaml"))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "pmos config init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

func TestWebhookEnabledDefault(t *testing.T) {
	off := false
	assert.True(t, Webhook{}.IsEnabled())
	assert.False(t, Webhook{Enabled: &off}.IsEnabled())
}
