package retrieval

import (
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

var typeHeadings = map[memory.MemoryType]string{
	memory.MemoryPreference:   "Preferences",
	memory.MemoryFact:         "Facts",
	memory.MemoryEvent:        "Events",
	memory.MemoryRelationship: "Relationships",
	memory.MemoryOther:        "Other",
}

// RenderContext groups ranked memories by type, keeping rank order inside
// each group. It returns "" when there is nothing to render.
func RenderContext(ranked []RankedMemory, now time.Time) string {
	if len(ranked) == 0 {
		return ""
	}
	groups := map[memory.MemoryType][]RankedMemory{}
	for _, rm := range ranked {
		t := rm.Memory.Type
		if !t.Valid() {
			t = memory.MemoryOther
		}
		groups[t] = append(groups[t], rm)
	}

	var b strings.Builder
	b.WriteString("What you remember about the user:\n")
	for _, t := range memory.MemoryTypes {
		items := groups[t]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", typeHeadings[t])
		for _, rm := range items {
			fmt.Fprintf(&b, "- %s (%s, relevance %.2f)\n",
				strings.TrimSpace(rm.Memory.Content),
				RelativeTime(touchedAt(rm.Memory), now),
				rm.Score)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RelativeTime renders t as a short phrase relative to now.
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "some time ago"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d < 48*time.Hour:
		return "yesterday"
	case d < 7*24*time.Hour:
		return plural(int(d/(24*time.Hour)), "day")
	case d < 14*24*time.Hour:
		return "last week"
	case d < 30*24*time.Hour:
		return plural(int(d/(7*24*time.Hour)), "week")
	case d < 365*24*time.Hour:
		return plural(int(d/(30*24*time.Hour)), "month")
	}
	return plural(int(d/(365*24*time.Hour)), "year")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
