package domain

import "time"

// Watermark keeps the most recent item time seen per source for one project.
type Watermark struct {
	ProjectID int
	LastSeen  map[Source]time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LastSeenAt returns the high-water mark for a source, if one was recorded.
func (w Watermark) LastSeenAt(source Source) (time.Time, bool) {
	if w.LastSeen == nil {
		return time.Time{}, false
	}
	t, ok := w.LastSeen[source]
	if !ok || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// Window is a half-open fetch interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window contains no time at all.
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
