package poacher

import "time"

// Marker is the checkpointed discovery state. It is owned by the discovery
// loop for the lifetime of a session and saved through a CheckpointStore.
type Marker struct {
	SessionID            string    `yaml:"session_id" json:"session_id"`
	LastKnownID          int64     `yaml:"last_known_id" json:"last_known_id"`
	StartingID           int64     `yaml:"starting_id" json:"starting_id"`
	NewestID             int64     `yaml:"newest_id" json:"newest_id"`
	CurrentID            int64     `yaml:"current_id" json:"current_id"`
	SessionStart         time.Time `yaml:"session_start" json:"session_start"`
	LastActivity         time.Time `yaml:"last_activity" json:"last_activity"`
	CheckpointedAt       time.Time `yaml:"checkpointed_at" json:"checkpointed_at"`
	ReposObserved        int64     `yaml:"repos_observed" json:"repos_observed"`
	CumulativeAverageSum float64   `yaml:"cumulative_average_sum" json:"cumulative_average_sum"`
	SessionCount         int64     `yaml:"session_count" json:"session_count"`
}

// Begin starts a new session at the located identifier.
func (m *Marker) Begin(sessionID string, located int64, at time.Time) {
	m.SessionID = sessionID
	m.StartingID = located
	m.NewestID = located
	m.CurrentID = located
	m.SessionStart = at
	m.LastActivity = time.Time{}
	m.ReposObserved = 0
}

// Observe records a non-empty polled batch.
func (m *Marker) Observe(batch int, at time.Time) {
	m.ReposObserved += int64(batch)
	m.LastActivity = at
}

// Advance moves the polling cursor to id once the repository has been handed
// off for processing. The cursor only moves forward.
func (m *Marker) Advance(id int64) {
	m.CurrentID = id
	if id > m.NewestID {
		m.NewestID = id
	}
}

// NewIDs is the number of identifiers assigned during the session.
func (m Marker) NewIDs() int64 {
	return m.NewestID - m.StartingID
}

// SessionDuration is the span between session start and the last polled batch.
func (m Marker) SessionDuration() time.Duration {
	if m.LastActivity.IsZero() || !m.LastActivity.After(m.SessionStart) {
		return 0
	}
	return m.LastActivity.Sub(m.SessionStart)
}

// SessionAverage returns new identifiers per minute for the session.
func (m Marker) SessionAverage() float64 {
	d := m.SessionDuration()
	if d <= 0 {
		return 0
	}
	return float64(m.NewIDs()) / d.Minutes()
}

// RunningAverage returns the mean of all completed session averages.
func (m Marker) RunningAverage() float64 {
	if m.SessionCount <= 0 {
		return 0
	}
	return m.CumulativeAverageSum / float64(m.SessionCount)
}

// Finalize folds the session into the all-time aggregate and promotes the
// confirmed newest identifier to LastKnownID. Sessions without any polled
// batch do not contribute an average. Callers finalize a session once.
func (m *Marker) Finalize(at time.Time) {
	if m.SessionDuration() > 0 {
		m.CumulativeAverageSum += m.SessionAverage()
		m.SessionCount++
	}
	if m.NewestID > m.LastKnownID {
		m.LastKnownID = m.NewestID
	}
	m.CheckpointedAt = at
}
