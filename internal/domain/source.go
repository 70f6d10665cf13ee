package domain

import "fmt"

// Source identifies an upstream story-discovery provider.
type Source string

const (
	SourceMediaCloud     Source = "media-cloud"
	SourceWaybackMachine Source = "wayback-machine"
	SourceNewscatcher    Source = "newscatcher"
	SourceGoogleAlerts   Source = "google-alerts"
)

// AllSources lists the known providers in a stable order.
func AllSources() []Source {
	return []Source{SourceMediaCloud, SourceWaybackMachine, SourceNewscatcher, SourceGoogleAlerts}
}

// Valid reports whether s is one of the known providers.
func (s Source) Valid() bool {
	switch s {
	case SourceMediaCloud, SourceWaybackMachine, SourceNewscatcher, SourceGoogleAlerts:
		return true
	}
	return false
}

// ParseSource converts a config or CLI value into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return s, nil
}

func (s Source) String() string {
	return string(s)
}
