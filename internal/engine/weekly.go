package engine

import (
	"context"
	"fmt"
	"time"

	"pmos/internal/domain"
	"pmos/internal/render"
)

const defaultWeeklyLimit = 10

// WeeklyReview writes the week's top signals to Weekly-Intel-YYYY-Www.md,
// replacing any earlier note for the same ISO week.
func (e Engine) WeeklyReview(ctx context.Context, limit int) (string, error) {
	defer e.lock()()
	if err := e.Vault.Ready(); err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = defaultWeeklyLimit
	}
	now := e.now().UTC()
	year, week := now.ISOWeek()
	all, err := e.Repo.ListSignals()
	if err != nil {
		return "", err
	}
	picked := []domain.Signal{}
	for _, s := range all {
		ts, err := time.Parse(time.RFC3339, s.Timestamp)
		if err != nil {
			continue
		}
		if y, w := ts.UTC().ISOWeek(); y == year && w == week {
			picked = append(picked, s)
		}
	}
	sortByPriority(picked)
	if len(picked) > limit {
		picked = picked[:limit]
	}
	doc, err := e.Render.Render(render.KindWeekly, render.WeeklyView{
		Year:        year,
		Week:        week,
		GeneratedAt: now.Format(time.RFC3339),
		Signals:     picked,
	})
	if err != nil {
		return "", err
	}
	rel := e.Vault.WeeklyNote(fmt.Sprintf("Weekly-Intel-%d-W%02d.md", year, week))
	if err := e.Vault.Write(rel, doc); err != nil {
		return "", err
	}
	e.logger().Info("weekly review written", "path", rel, "signals", len(picked))
	return rel, nil
}
