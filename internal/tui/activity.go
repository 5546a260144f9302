package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/docsearch/internal/operations"
)

type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed lists status transitions observed between polls.
type ActivityFeed struct {
	mu       sync.Mutex
	items    []ActivityItem
	seen     map[string]operations.Status
	primed   bool
	maxItems int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 8, seen: map[string]operations.Status{}}
}

func statusIcon(st operations.Status) string {
	switch st {
	case operations.StatusPending:
		return "·"
	case operations.StatusRunning:
		return "▶"
	case operations.StatusCompleted:
		return "✓"
	case operations.StatusFailed:
		return "✗"
	case operations.StatusCancelled:
		return "■"
	default:
		return "?"
	}
}

// Observe records every operation whose status differs from the previous
// poll. The first call only primes the baseline.
func (f *ActivityFeed) Observe(ops []operations.Operation, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if at.IsZero() {
		at = time.Now()
	}
	for _, op := range ops {
		prev, known := f.seen[op.ID]
		f.seen[op.ID] = op.Status
		if !f.primed || (known && prev == op.Status) {
			continue
		}
		msg := fmt.Sprintf("%s %s", op.ID, op.Status)
		if known {
			msg = fmt.Sprintf("%s %s → %s", op.ID, prev, op.Status)
		}
		item := ActivityItem{ID: op.ID, Icon: statusIcon(op.Status), Message: msg, StartedAt: op.CreatedAt}
		if op.Status.Terminal() {
			done := at
			if op.CompletedAt != nil {
				done = *op.CompletedAt
			}
			item.DoneAt = &done
		}
		f.items = append(f.items, item)
		if len(f.items) > f.maxItems {
			f.items = f.items[1:]
		}
	}
	f.primed = true
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops finished items older than maxAge.
func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return ""
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	var out strings.Builder
	out.WriteString(dimStyle.Render("── Activity ──") + "\n")
	for i := len(f.items) - 1; i >= 0; i-- {
		it := f.items[i]
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil && !it.StartedAt.IsZero() {
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(100*time.Millisecond))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
