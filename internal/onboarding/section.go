// Package onboarding sequences participants through the configured onboarding
// section groups and tracks each participant's position in that sequence.
package onboarding

import "strings"

// Section is an atomic onboarding step. Sections carry no data; callers map
// them to concrete flows.
type Section string

const (
	SectionIntroVideo          Section = "intro_video"
	SectionScreening           Section = "screening"
	SectionInformedConsent     Section = "informed_consent"
	SectionConsent             Section = "consent"
	SectionOptIn               Section = "opt_in"
	SectionConsentUserData     Section = "consent_user_data"
	SectionIntegration         Section = "integration"
	SectionOnboardingQuestions Section = "onboarding_questions"
)

var allSections = []Section{
	SectionIntroVideo,
	SectionScreening,
	SectionInformedConsent,
	SectionConsent,
	SectionOptIn,
	SectionConsentUserData,
	SectionIntegration,
	SectionOnboardingQuestions,
}

// AllSections lists every section.
func AllSections() []Section {
	return append([]Section(nil), allSections...)
}

// SectionGroup is a configurable unit of onboarding that expands to a fixed,
// ordered list of sections.
type SectionGroup string

const (
	GroupIntroVideo          SectionGroup = "intro_video"
	GroupScreening           SectionGroup = "screening"
	GroupConsent             SectionGroup = "consent"
	GroupIntegration         SectionGroup = "integration"
	GroupOptIn               SectionGroup = "opt_in"
	GroupOnboardingQuestions SectionGroup = "onboarding_questions"
)

// SectionGroupListSeparator separates group tags in the remote configuration string.
const SectionGroupListSeparator = ";"

var groupSections = map[SectionGroup][]Section{
	GroupIntroVideo: {SectionIntroVideo},
	GroupScreening:  {SectionScreening},
	GroupConsent: {
		SectionInformedConsent,
		SectionConsent,
		SectionOptIn,
		SectionConsentUserData,
	},
	GroupIntegration:         {SectionIntegration},
	GroupOptIn:               {SectionOptIn},
	GroupOnboardingQuestions: {SectionOnboardingQuestions},
}

// Sections returns the ordered sections of the group. Unknown groups expand to
// an empty list. The returned slice is a copy.
func (g SectionGroup) Sections() []Section {
	return append([]Section(nil), groupSections[g]...)
}

// Known reports whether the group has a section mapping.
func (g SectionGroup) Known() bool {
	_, ok := groupSections[g]
	return ok
}

// indexOf returns the position of s within the group's expansion, or -1.
func (g SectionGroup) indexOf(s Section) int {
	for i, candidate := range groupSections[g] {
		if candidate == s {
			return i
		}
	}
	return -1
}

// ParseSectionGroups parses a ';'-separated list of group tags as delivered by
// the study configuration. Unknown and empty tags are dropped; order and
// duplicates are kept.
func ParseSectionGroups(list string) []SectionGroup {
	var groups []SectionGroup
	for _, raw := range strings.Split(list, SectionGroupListSeparator) {
		g := SectionGroup(strings.TrimSpace(raw))
		if g == "" || !g.Known() {
			continue
		}
		groups = append(groups, g)
	}
	return groups
}
