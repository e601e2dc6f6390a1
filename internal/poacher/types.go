// Package poacher defines the core types and ports shared across the
// discovery, ingestion and archive subsystems.
package poacher

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Outcome is the disposition a Handler reports for a repository.
type Outcome string

// Handler outcomes.
const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Size is a repository size in kilobytes as reported by the forge. Known is
// false when the forge did not report a size or the lookup failed.
type Size struct {
	KB    int64
	Known bool
}

// KnownSize wraps a reported size.
func KnownSize(kb int64) Size {
	return Size{KB: kb, Known: true}
}

// UnknownSize is the zero Size.
func UnknownSize() Size {
	return Size{}
}

// IsEmpty reports whether the forge reported a size of exactly zero.
func (s Size) IsEmpty() bool {
	return s.Known && s.KB == 0
}

// Exceeds reports whether a known size is larger than limitKB. Unknown sizes
// never exceed a limit.
func (s Size) Exceeds(limitKB int64) bool {
	return s.Known && s.KB > limitKB
}

// String renders the size for logs.
func (s Size) String() string {
	if !s.Known {
		return "unknown"
	}
	return humanize.Bytes(uint64(s.KB) * 1000) //nolint:gosec // sizes are non-negative
}

// Repository describes one repository returned by the forge listing API.
type Repository struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FullName  string    `json:"full_name"`
	URL       string    `json:"html_url"`
	CloneURL  string    `json:"clone_url"`
	Size      Size      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Discovered is the payload published for every observed repository.
type Discovered struct {
	SessionID string    `json:"session_id"`
	ID        int64     `json:"id"`
	FullName  string    `json:"full_name"`
	URL       string    `json:"url"`
	SizeKB    *int64    `json:"size_kb,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Observed  time.Time `json:"observed_at"`
}

// NewDiscovered builds the notification payload for repo.
func NewDiscovered(sessionID string, repo Repository, observed time.Time) Discovered {
	d := Discovered{
		SessionID: sessionID,
		ID:        repo.ID,
		FullName:  repo.FullName,
		URL:       repo.URL,
		CreatedAt: repo.CreatedAt,
		Observed:  observed,
	}
	if repo.Size.Known {
		kb := repo.Size.KB
		d.SizeKB = &kb
	}
	return d
}
