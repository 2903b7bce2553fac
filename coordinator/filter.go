package coordinator

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/confapp/companion-sync/internal"
)

type Day string

const (
	DayAll      Day = "all"
	DayToday    Day = "today"
	DayTomorrow Day = "tomorrow"
)

// Criteria are combined with AND. Zero values match everything.
type Criteria struct {
	Day           Day
	FavoritesOnly bool
	Favorites     map[string]struct{}
	Room          string
	Speaker       string
	// case-insensitive substring of title, speaker or description
	Query string
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (c Criteria) match(s internal.Session, now time.Time) bool {
	switch c.Day {
	case DayToday, DayTomorrow:
		if s.StartTime == nil {
			return false
		}
		want := now
		if c.Day == DayTomorrow {
			want = now.AddDate(0, 0, 1)
		}
		// buckets use now's location so a session at 23:30 local is not "tomorrow"
		if !sameDay(s.StartTime.In(now.Location()), want) {
			return false
		}
	}
	if c.FavoritesOnly {
		if _, ok := c.Favorites[s.ID]; !ok {
			return false
		}
	}
	if c.Room != "" && s.Room != c.Room {
		return false
	}
	if c.Speaker != "" && s.Speaker != c.Speaker {
		return false
	}
	if c.Query != "" {
		q := strings.ToLower(c.Query)
		if !strings.Contains(strings.ToLower(s.Title), q) &&
			!strings.Contains(strings.ToLower(s.Speaker), q) &&
			!strings.Contains(strings.ToLower(s.Description), q) {
			return false
		}
	}
	return true
}

// FilterSessions returns the sessions matching c ordered by ascending start time. Sessions without
// a start time never appear in a day bucket and sort last otherwise.
func FilterSessions(all []internal.Session, c Criteria, now time.Time) []internal.Session {
	out := make([]internal.Session, 0, len(all))
	for _, s := range all {
		if c.match(s, now) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b internal.Session) int {
		switch {
		case a.StartTime == nil && b.StartTime == nil:
			return 0
		case a.StartTime == nil:
			return 1
		case b.StartTime == nil:
			return -1
		}
		return a.StartTime.Compare(*b.StartTime)
	})
	return out
}
