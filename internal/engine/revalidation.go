package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"pmos/internal/domain"
	"pmos/internal/frontmatter"
	"pmos/internal/render"
)

const (
	revalidationReport = "revalidation_queue"
	unknownDate        = "unknown"
	maxReportSuffix    = 999
)

// RevalidationItem is one provisional insight awaiting revalidation.
type RevalidationItem struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Path             string `json:"path"`
	ValidationStatus string `json:"validation_status"`
	RevalidateBy     string `json:"revalidate_by"`
	RevalidateStatus string `json:"revalidate_status" enum:"pending,complete,overdue,n/a"`
	BaseDate         string `json:"base_date,omitempty"`
}

// RevalidationQueue scans published and staged insight documents for
// provisional ones and works out when each is due.
func (e Engine) RevalidationQueue(ctx context.Context, today time.Time) ([]RevalidationItem, error) {
	if err := e.Vault.Ready(); err != nil {
		return nil, err
	}
	window := e.Config.Revalidation.WindowDays
	items := []RevalidationItem{}
	for _, dir := range []string{e.Vault.Dirs.InsightFinal, e.Vault.Dirs.InsightDrafts} {
		paths, err := e.Vault.List(dir, "LTI-*.md")
		if err != nil {
			return nil, err
		}
		for _, rel := range paths {
			content, ok, err := e.Vault.Read(rel)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			doc, err := frontmatter.Parse(content)
			if err != nil {
				e.logger().Warn("skipping unreadable insight", "path", rel, "err", err)
				continue
			}
			get := func(key string) string {
				v, _ := doc.Fields.Get(key)
				return strings.TrimSpace(v)
			}
			if strings.ToLower(get("validation_status")) != domain.ValidationProvisional {
				continue
			}
			item := RevalidationItem{
				ID:               get("id"),
				Title:            heading(doc.Body),
				Path:             rel,
				ValidationStatus: domain.ValidationProvisional,
			}
			if item.ID == "" {
				item.ID = strings.TrimSuffix(path.Base(rel), ".md")
			}
			if item.Title == "" {
				item.Title = item.ID
			}
			base, hasBase := firstDate(get("last_validated"), get("updated_at"), get("created_at"), get("published_at"))
			if hasBase {
				item.BaseDate = base.Format(time.DateOnly)
			}
			switch by, ok := parseDate(get("revalidate_by")); {
			case ok:
				item.RevalidateBy = by.Format(time.DateOnly)
			case hasBase:
				item.RevalidateBy = base.AddDate(0, 0, window).Format(time.DateOnly)
			default:
				item.RevalidateBy = unknownDate
			}
			item.RevalidateStatus = revalidateStatus(get("revalidate_status"), item.RevalidateBy, today)
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		ui, uj := items[i].RevalidateBy == unknownDate, items[j].RevalidateBy == unknownDate
		if ui != uj {
			return uj
		}
		if items[i].RevalidateBy != items[j].RevalidateBy {
			return items[i].RevalidateBy < items[j].RevalidateBy
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// WriteRevalidationReport renders the queue into the weekly review folder.
// An existing report is never overwritten; a numbered sibling is written
// instead.
func (e Engine) WriteRevalidationReport(ctx context.Context, today time.Time) (string, []RevalidationItem, error) {
	defer e.lock()()
	items, err := e.RevalidationQueue(ctx, today)
	if err != nil {
		return "", nil, err
	}
	view := render.RevalidationView{GeneratedAt: e.stamp()}
	for _, it := range items {
		view.Rows = append(view.Rows, render.RevalidationRow{
			ID:           it.ID,
			Path:         it.Path,
			RevalidateBy: it.RevalidateBy,
			Status:       it.RevalidateStatus,
		})
	}
	doc, err := e.Render.Render(render.KindRevalidation, view)
	if err != nil {
		return "", nil, err
	}
	rel, err := e.nextReportPath(today)
	if err != nil {
		return "", nil, err
	}
	if err := e.Vault.Create(rel, doc); err != nil {
		return "", nil, err
	}
	return rel, items, nil
}

func (e Engine) nextReportPath(today time.Time) (string, error) {
	rel := e.Vault.WeeklyNote(revalidationReport + ".md")
	exists, err := e.Vault.Exists(rel)
	if err != nil || !exists {
		return rel, err
	}
	day := today.Format("20060102")
	for n := 1; n <= maxReportSuffix; n++ {
		rel = e.Vault.WeeklyNote(fmt.Sprintf("%s-%s-%03d.md", revalidationReport, day, n))
		exists, err := e.Vault.Exists(rel)
		if err != nil {
			return "", err
		}
		if !exists {
			return rel, nil
		}
	}
	return "", domain.ConflictError{Kind: "revalidation report", ID: day}
}

func revalidateStatus(raw, revalidateBy string, today time.Time) string {
	switch s := strings.ToLower(raw); s {
	case "pending", "complete", "overdue", "n/a":
		return s
	}
	by, ok := parseDate(revalidateBy)
	if ok && by.Before(truncateDay(today)) {
		return "overdue"
	}
	return "pending"
}

func firstDate(values ...string) (time.Time, bool) {
	for _, v := range values {
		if t, ok := parseDate(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseDate accepts a plain date or an RFC 3339 timestamp.
func parseDate(v string) (time.Time, bool) {
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return truncateDay(t), true
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func heading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}
