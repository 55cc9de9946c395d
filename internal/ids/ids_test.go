package ids

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmos/internal/domain"
)

var day = time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)

func TestNextCountsSameDayOnly(t *testing.T) {
	assert.Equal(t, "DEC-20260216-001", Next(PrefixDecision, day, nil))

	existing := []string{"DEC-20260216-001", "DEC-20260215-001", "DEC-20260216-002", "COS-20260216-001"}
	assert.Equal(t, "DEC-20260216-003", Next(PrefixDecision, day, existing))
}

func TestAllocatorSkipsTakenIDs(t *testing.T) {
	taken := map[string]bool{"COS-20260216-001": true}
	a := Allocator{Exists: func(id string) (bool, error) { return taken[id], nil }}

	id, err := a.Allocate(PrefixCase, day, nil)
	require.NoError(t, err)
	assert.Equal(t, "COS-20260216-002", id)
}

func TestAllocatorSkipsKnownIDsAfterGap(t *testing.T) {
	existing := []string{"SIG-20260216-001", "SIG-20260216-003"}

	id, err := Allocator{}.Allocate(PrefixSignal, day, existing)
	require.NoError(t, err)
	assert.Equal(t, "SIG-20260216-004", id)

	free := Allocator{Exists: func(string) (bool, error) { return false, nil }}
	id, err = free.Allocate(PrefixSignal, day, existing)
	require.NoError(t, err)
	assert.Equal(t, "SIG-20260216-004", id)

	assert.Equal(t, "SIG-20260216-004", Next(PrefixSignal, day, existing))
}

func TestAllocatorGivesUpWithConflict(t *testing.T) {
	calls := 0
	a := Allocator{Attempts: 2, Exists: func(string) (bool, error) {
		calls++
		return true, nil
	}}

	_, err := a.Allocate(PrefixInsight, day, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, 2, calls)
}

func TestAllocatorPropagatesExistsError(t *testing.T) {
	boom := errors.New("disk gone")
	a := Allocator{Exists: func(string) (bool, error) { return false, boom }}
	_, err := a.Allocate(PrefixDecision, day, nil)
	assert.ErrorIs(t, err, boom)
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, "ACT-DEEPEN-SIG-20260216-001", DeepeningTaskID("SIG-20260216-001"))
	assert.Equal(t, "ACT-VALIDATE-RTI-PROP-20260216-001", ValidationTaskID("RTI-PROP-20260216-001"))
	assert.Equal(t, "LTI-20260216-001.md", FinalName("LTI-DRAFT-20260216-001"))
	assert.Equal(t, "RTI-20260216-004.md", FinalName("RTI-PROP-20260216-004"))
}

func TestDate(t *testing.T) {
	got, ok := Date("RTI-PROP-20260216-004")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC), got)

	_, ok = Date("nope")
	assert.False(t, ok)
}
