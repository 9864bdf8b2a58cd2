package onboarding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/store"
)

var (
	// ErrNotInitialized is returned when no section groups have been configured.
	ErrNotInitialized = errors.New("onboarding: section groups not initialized")
	// ErrNotStarted is returned when a participant has no onboarding progress.
	ErrNotStarted = errors.New("onboarding: participant has not started onboarding")
	// ErrSectionMismatch is returned when a completed section is not the participant's current one.
	ErrSectionMismatch = errors.New("onboarding: section is not the participant's current section")
)

const progressKeyPrefix = "onboarding_progress_"

// Progress is a participant's position in the onboarding sequence.
type Progress struct {
	ParticipantID     string    `json:"participant_id"`
	CurrentSection    Section   `json:"current_section,omitempty"`
	CompletedSections []Section `json:"completed_sections,omitempty"`
	Completed         bool      `json:"completed"`
	StartedAt         time.Time `json:"started_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Tracker persists onboarding progress per participant and advances it with
// the provider's active driver.
type Tracker struct {
	store    store.Store
	provider *Provider
	mu       sync.Mutex
	now      func() time.Time
}

// NewTracker creates a Tracker backed by st.
func NewTracker(st store.Store, provider *Provider) *Tracker {
	slog.Debug("Creating onboarding Tracker")
	return &Tracker{store: st, provider: provider, now: time.Now}
}

func progressKey(participantID string) string {
	return progressKeyPrefix + participantID
}

// Start (re)starts onboarding for a participant at the first configured section.
func (t *Tracker) Start(participantID string) (Progress, error) {
	if _, ok := t.provider.Driver(); !ok {
		return Progress{}, ErrNotInitialized
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p := Progress{ParticipantID: participantID, StartedAt: now, UpdatedAt: now}
	if first, ok := t.provider.First(); ok {
		p.CurrentSection = first
	} else {
		p.Completed = true
	}
	if err := store.SetJSON(t.store, progressKey(participantID), p); err != nil {
		slog.Error("Tracker.Start: failed to save progress", "error", err, "participantID", participantID)
		return Progress{}, err
	}
	slog.Info("Tracker.Start: onboarding started", "participantID", participantID, "section", p.CurrentSection, "completed", p.Completed)
	return p, nil
}

// Complete marks section as done and moves the participant to the next section.
func (t *Tracker) Complete(participantID string, section Section) (Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok, err := store.GetJSON[Progress](t.store, progressKey(participantID))
	if err != nil {
		slog.Error("Tracker.Complete: failed to load progress", "error", err, "participantID", participantID)
		return Progress{}, err
	}
	if !ok {
		return Progress{}, ErrNotStarted
	}
	if p.Completed || p.CurrentSection != section {
		slog.Warn("Tracker.Complete: section mismatch", "participantID", participantID, "current", p.CurrentSection, "completed_section", section)
		return p, fmt.Errorf("%w: current is %q", ErrSectionMismatch, p.CurrentSection)
	}

	p.CompletedSections = append(p.CompletedSections, section)
	if next, ok := t.provider.Next(section); ok {
		p.CurrentSection = next
	} else {
		p.CurrentSection = ""
		p.Completed = true
	}
	p.UpdatedAt = t.now()

	if err := store.SetJSON(t.store, progressKey(participantID), p); err != nil {
		slog.Error("Tracker.Complete: failed to save progress", "error", err, "participantID", participantID)
		return Progress{}, err
	}
	slog.Info("Tracker.Complete: section completed", "participantID", participantID, "section", section, "next", p.CurrentSection, "completed", p.Completed)
	return p, nil
}

// Progress returns the stored progress for a participant.
func (t *Tracker) Progress(participantID string) (Progress, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return store.GetJSON[Progress](t.store, progressKey(participantID))
}

// Reset removes a participant's progress.
func (t *Tracker) Reset(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Delete(progressKey(participantID)); err != nil {
		slog.Error("Tracker.Reset: failed to delete progress", "error", err, "participantID", participantID)
		return err
	}
	slog.Info("Tracker.Reset: onboarding progress removed", "participantID", participantID)
	return nil
}
