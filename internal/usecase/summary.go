package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"

	"StoryProcessor/internal/ports"
)

// SummarySubject formats the subject line of a run report.
func SummarySubject(s RunSummary) string {
	return fmt.Sprintf("%s update: %d stories (%d mins)",
		s.Source, s.Admitted(), int(math.Round(s.Duration().Minutes())))
}

// BuildSummaryMessage renders a plain-text report with one line per project.
func BuildSummaryMessage(s RunSummary) string {
	if len(s.Projects) == 0 {
		return fmt.Sprintf("No projects were checked on %s.\n", s.Source)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Checking %d projects on %s.\n\n", len(s.Projects), s.Source)
	for _, p := range s.Projects {
		fmt.Fprintf(&b, "  project %d - %s: %d stories", p.ProjectID, p.Title, p.Admitted)
		if p.Duplicates > 0 {
			fmt.Fprintf(&b, " (%d already seen)", p.Duplicates)
		}
		if p.TooBroad {
			b.WriteString(" (query might be too broad)")
		}
		if p.Err != nil {
			fmt.Fprintf(&b, " FAILED: %v", p.Err)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nDone - pulled %d stories, %d projects failed.\n", s.Admitted(), s.Failed())
	return b.String()
}

// SendSummary delivers the run report through the notifier, if one is set.
func SendSummary(ctx context.Context, notifier ports.Notifier, s RunSummary) error {
	if notifier == nil {
		return nil
	}
	if err := notifier.Notify(ctx, SummarySubject(s), BuildSummaryMessage(s)); err != nil {
		return fmt.Errorf("send run summary: %w", err)
	}
	return nil
}
