package vault_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmos/internal/config"
	"pmos/internal/domain"
	"pmos/internal/vault"
)

func newVault(t *testing.T) vault.Vault {
	t.Helper()
	cfg := config.Default().Vault
	cfg.Root = t.TempDir()
	return vault.New(cfg)
}

func TestPaths(t *testing.T) {
	v := newVault(t)
	assert.Equal(t, "95_Signals/SIG-20260216-001.md", v.SignalNote("SIG-20260216-001"))
	assert.Equal(t, "97_Gate_Decisions/GATE-20260216-001.md", v.DecisionNote("GATE-20260216-001"))
	assert.Equal(t, "06_Archive/COS/COS-20260216-001.md", v.CaseNote("COS-20260216-001"))
	assert.Equal(t, "96_Weekly_Review/_LTI_Drafts/LTI-DRAFT-20260216-001.md", v.InsightDraft("LTI-DRAFT-20260216-001"))
	assert.Equal(t, "02_LTI/LTI-20260216-001.md", v.InsightFinal("LTI-DRAFT-20260216-001"))
	assert.Equal(t, "RTI/RTI-20260216-001.md", v.ProposalFinal("RTI-PROP-20260216-001"))
	assert.Equal(t, "00_Index/lti_index.json", v.IndexFile("lti_index.json"))
}

func TestReadyRequiresRoot(t *testing.T) {
	v := vault.New(config.Default().Vault)
	err := v.Ready()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRouting)

	err = v.Write("95_Signals/x.md", "body")
	assert.ErrorIs(t, err, domain.ErrRouting)
}

func TestCreateRefusesExisting(t *testing.T) {
	v := newVault(t)
	rel := v.SignalNote("SIG-20260216-001")
	require.NoError(t, v.Create(rel, "first"))

	err := v.Create(rel, "second")
	assert.ErrorIs(t, err, domain.ErrConflict)

	text, ok, err := v.Read(rel)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", text)
}

func TestListAndRemove(t *testing.T) {
	v := newVault(t)
	require.NoError(t, v.Write("02_LTI/LTI-20260216-002.md", "b"))
	require.NoError(t, v.Write("02_LTI/LTI-20260216-001.md", "a"))
	require.NoError(t, v.Write("02_LTI/notes.txt", "c"))
	require.NoError(t, os.MkdirAll(v.Abs("02_LTI/sub"), 0o755))

	got, err := v.List("02_LTI", "LTI-*.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"02_LTI/LTI-20260216-001.md", "02_LTI/LTI-20260216-002.md"}, got)

	missing, err := v.List("nope", "*.md")
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, v.Remove("02_LTI/LTI-20260216-001.md"))
	require.NoError(t, v.Remove("02_LTI/LTI-20260216-001.md"))
	ok, err := v.Exists("02_LTI/LTI-20260216-001.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRel(t *testing.T) {
	v := newVault(t)
	rel, err := v.Rel(filepath.Join(v.Root, "95_Signals", "SIG-20260216-001.md"))
	require.NoError(t, err)
	assert.Equal(t, "95_Signals/SIG-20260216-001.md", rel)

	_, err = v.Rel(filepath.Join(filepath.Dir(v.Root), "elsewhere.md"))
	assert.Error(t, err)
}
