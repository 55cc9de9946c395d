// Package ids allocates the date-scoped identifiers used across PMOS records,
// e.g. DEC-20260216-001.
package ids

import (
	"fmt"
	"strings"
	"time"

	"pmos/internal/domain"
)

const (
	PrefixSignal       = "SIG"
	PrefixAction       = "ACT"
	PrefixDecision     = "DEC"
	PrefixCase         = "COS"
	PrefixInsight      = "LTI-DRAFT"
	PrefixProposal     = "RTI-PROP"
	DefaultAttempts    = 3
	deepenTaskPrefix   = "ACT-DEEPEN-"
	validateTaskPrefix = "ACT-VALIDATE-"
)

// Stem is the date-scoped prefix shared by every id of a day.
func Stem(prefix string, day time.Time) string {
	return fmt.Sprintf("%s-%s-", prefix, day.UTC().Format("20060102"))
}

// Next returns the id that follows the existing ids for prefix on day,
// stepping over any id already in existing.
func Next(prefix string, day time.Time, existing []string) string {
	known := idSet(existing)
	for seq := countStem(Stem(prefix, day), existing) + 1; ; seq++ {
		if id := nth(prefix, day, seq); !known[id] {
			return id
		}
	}
}

func idSet(existing []string) map[string]bool {
	set := make(map[string]bool, len(existing))
	for _, id := range existing {
		set[id] = true
	}
	return set
}

func nth(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s%03d", Stem(prefix, day), seq)
}

func countStem(stem string, existing []string) int {
	n := 0
	for _, id := range existing {
		if strings.HasPrefix(id, stem) {
			n++
		}
	}
	return n
}

// Allocator hands out ids, skipping those already known and any that Exists
// reports as taken.
type Allocator struct {
	Attempts int
	Exists   func(id string) (bool, error)
}

// Allocate returns the first free id starting at Next. After Attempts taken
// candidates it fails with an error matching domain.ErrConflict.
func (a Allocator) Allocate(prefix string, day time.Time, existing []string) (string, error) {
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	known := idSet(existing)
	seq := countStem(Stem(prefix, day), existing) + 1
	var last string
	for tries := 0; tries < attempts; seq++ {
		id := nth(prefix, day, seq)
		if known[id] {
			continue
		}
		last = id
		tries++
		if a.Exists == nil {
			return id, nil
		}
		taken, err := a.Exists(id)
		if err != nil {
			return "", fmt.Errorf("check id %s: %w", id, err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("allocate %s id after %d attempts: %w", prefix, attempts, domain.ConflictError{Kind: "id", ID: last})
}

func DeepeningTaskID(signalID string) string {
	return deepenTaskPrefix + signalID
}

func ValidationTaskID(proposalID string) string {
	return validateTaskPrefix + proposalID
}

// FinalName maps a staged draft id to the file name it is published under:
// LTI-DRAFT-20260216-001 becomes LTI-20260216-001.md.
func FinalName(draftID string) string {
	switch {
	case strings.HasPrefix(draftID, PrefixInsight+"-"):
		return "LTI-" + strings.TrimPrefix(draftID, PrefixInsight+"-") + ".md"
	case strings.HasPrefix(draftID, PrefixProposal+"-"):
		return "RTI-" + strings.TrimPrefix(draftID, PrefixProposal+"-") + ".md"
	}
	return draftID + ".md"
}

// Date extracts the YYYYMMDD segment of an id such as SIG-20260216-001.
func Date(id string) (time.Time, bool) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", parts[len(parts)-2])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
