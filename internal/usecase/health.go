package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"StoryProcessor/internal/ports"
)

// LowVolumeSubject is the subject of the throughput alert.
const LowVolumeSubject = "Low Story Count Alert"

// HealthReport is the result of one throughput check.
type HealthReport struct {
	Processed  int64
	WindowDays int
	PerDay     float64
	Floor      int
	Alerted    bool
}

// Monitor compares recent processing volume with an expected floor.
type Monitor struct {
	ledger     ports.StoryLedger
	notifier   ports.Notifier
	windowDays int
	floor      int
	logger     *slog.Logger
}

func NewMonitor(ledger ports.StoryLedger, notifier ports.Notifier, windowDays, floorPerDay int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if windowDays <= 0 {
		windowDays = 4
	}
	return &Monitor{ledger: ledger, notifier: notifier, windowDays: windowDays, floor: floorPerDay, logger: logger}
}

// Check counts stories processed in the trailing window and sends one alert
// when the daily average is under the floor.
func (m *Monitor) Check(ctx context.Context, now time.Time) (HealthReport, error) {
	since := now.UTC().AddDate(0, 0, -m.windowDays)
	processed, err := m.ledger.CountProcessedSince(ctx, since)
	if err != nil {
		return HealthReport{}, fmt.Errorf("count processed stories: %w", err)
	}

	report := HealthReport{
		Processed:  processed,
		WindowDays: m.windowDays,
		PerDay:     float64(processed) / float64(m.windowDays),
		Floor:      m.floor,
	}
	if report.PerDay >= float64(m.floor) {
		m.logger.Info("story volume healthy", "processed", processed, "per_day", report.PerDay)
		return report, nil
	}

	m.logger.Warn("story volume below floor", "processed", processed, "per_day", report.PerDay, "floor", m.floor)
	if m.notifier == nil {
		return report, nil
	}
	body := fmt.Sprintf(
		"Only %d stories were processed in the last %d days (%.0f per day). Expected at least %d per day.",
		processed, m.windowDays, report.PerDay, m.floor)
	if err := m.notifier.Notify(ctx, LowVolumeSubject, body); err != nil {
		return report, fmt.Errorf("send low volume alert: %w", err)
	}
	report.Alerted = true
	return report, nil
}
