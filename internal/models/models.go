// Package models defines the request and response payloads of the StudyPipe HTTP API.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
)

// MaxRecordInterval bounds the device record interval accepted from clients.
const MaxRecordInterval = 24 * time.Hour

// Error variables for request validation.
var (
	ErrEmptyGroups           = errors.New("either groups or group_list is required")
	ErrConflictingGroups     = errors.New("groups and group_list are mutually exclusive")
	ErrEmptySection          = errors.New("section is required")
	ErrUnknownSection        = errors.New("unknown section")
	ErrNegativeInterval      = errors.New("seconds must not be negative")
	ErrRecordIntervalTooLong = errors.New("record interval exceeds maximum")
)

// SectionGroupsRequest replaces the configured onboarding section groups.
// Groups is the list form; GroupList is the ";"-separated form used by remote
// study configuration. Exactly one must be present. Either may be empty, and
// unknown tags are dropped, so a request can legitimately configure no
// sections at all.
type SectionGroupsRequest struct {
	Groups    []string `json:"groups"`
	GroupList *string  `json:"group_list"`
}

// Validate checks that exactly one form is present.
func (r SectionGroupsRequest) Validate() error {
	hasGroups := r.Groups != nil
	hasList := r.GroupList != nil
	if hasGroups && hasList {
		return ErrConflictingGroups
	}
	if !hasGroups && !hasList {
		return ErrEmptyGroups
	}
	return nil
}

// SectionGroups returns the requested groups with unknown tags dropped.
func (r SectionGroupsRequest) SectionGroups() []onboarding.SectionGroup {
	if r.GroupList != nil {
		return onboarding.ParseSectionGroups(*r.GroupList)
	}
	return onboarding.ParseSectionGroups(strings.Join(r.Groups, onboarding.SectionGroupListSeparator))
}

// CompleteSectionRequest marks a participant's current section as done.
type CompleteSectionRequest struct {
	Section string `json:"section"`
}

// Validate checks that the section is one of the known sections.
func (r CompleteSectionRequest) Validate() error {
	if r.Section == "" {
		return ErrEmptySection
	}
	for _, s := range onboarding.AllSections() {
		if string(s) == r.Section {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownSection, r.Section)
}

// RecordIntervalRequest changes the device record interval. Zero stops recording.
type RecordIntervalRequest struct {
	Seconds float64 `json:"seconds"`
}

// Validate checks the interval bounds.
func (r RecordIntervalRequest) Validate() error {
	if r.Seconds < 0 {
		return ErrNegativeInterval
	}
	if r.Interval() > MaxRecordInterval {
		return fmt.Errorf("%w of %s", ErrRecordIntervalTooLong, MaxRecordInterval)
	}
	return nil
}

// Interval returns the requested interval.
func (r RecordIntervalRequest) Interval() time.Duration {
	return time.Duration(r.Seconds * float64(time.Second))
}

// DeviceRecordRequest is a device sample. A client that cannot hash the
// network name may send it in SSID instead of HashedSSID; it is hashed before
// the record is stored.
type DeviceRecordRequest struct {
	device.Data
	SSID *string `json:"ssid,omitempty"`
}

// Record returns the sample with SSID folded into HashedSSID.
func (r DeviceRecordRequest) Record() device.Data {
	rec := r.Data
	if r.SSID != nil && rec.HashedSSID == nil {
		hashed := device.HashSSID(*r.SSID)
		rec.HashedSSID = &hashed
	}
	return rec
}

// SectionsResult describes the active onboarding configuration.
type SectionsResult struct {
	Groups                []onboarding.SectionGroup `json:"groups"`
	Sequence              []onboarding.Section      `json:"sequence"`
	HasUserConsentSection bool                      `json:"has_user_consent_section"`
}

// SectionResult carries a single section.
type SectionResult struct {
	Section onboarding.Section `json:"section"`
}
