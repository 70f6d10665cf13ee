package usecase

import (
	"time"

	"StoryProcessor/internal/domain"
)

// watermarkPad re-covers the partial day before the last seen item.
const watermarkPad = 24 * time.Hour

// WindowSettings holds the per-source lag and lookback.
type WindowSettings struct {
	Lag      time.Duration
	Lookback time.Duration
}

// CalculateWindow derives the fetch window for one project and source.
//
// The window ends lag before now and reaches back lookback from its end, but
// never before the project start date. A known watermark moves the start up
// to one day before the last seen item. An unparsable start date is ignored.
func CalculateWindow(project domain.Project, source domain.Source, wm domain.Watermark, found bool, lag, lookback time.Duration, now time.Time) domain.Window {
	end := now.UTC().Add(-lag)
	start := end.Add(-lookback)

	if projectStart, ok := project.ParsedStartDate(); ok && projectStart.After(start) {
		start = projectStart
	}

	if found {
		if last, ok := wm.LastSeenAt(source); ok {
			if padded := last.UTC().Add(-watermarkPad); padded.After(start) {
				start = padded
			}
		}
	}

	return domain.Window{Start: start, End: end}
}
