package onboarding

// Driver answers "what comes first" and "what comes next" over an ordered list
// of section groups. A Driver is immutable once built and safe to share.
type Driver struct {
	groups []SectionGroup
}

// NewDriver stores the groups verbatim: no validation and no deduplication.
func NewDriver(groups []SectionGroup) Driver {
	return Driver{groups: append([]SectionGroup(nil), groups...)}
}

// Groups returns a copy of the configured groups in configuration order.
func (d Driver) Groups() []SectionGroup {
	return append([]SectionGroup(nil), d.groups...)
}

// First returns the first section of the first non-empty group.
func (d Driver) First() (Section, bool) {
	return d.firstFromGroup(0)
}

// Next returns the section following s. The first configured group containing
// s decides; when s closes that group the search continues with the next
// non-empty group. Sections outside the configuration have no successor.
func (d Driver) Next(s Section) (Section, bool) {
	for gi, g := range d.groups {
		idx := g.indexOf(s)
		if idx < 0 {
			continue
		}
		sections := groupSections[g]
		if idx < len(sections)-1 {
			return sections[idx+1], true
		}
		return d.firstFromGroup(gi + 1)
	}
	return "", false
}

// Sequence returns the full traversal order.
func (d Driver) Sequence() []Section {
	var seq []Section
	for _, g := range d.groups {
		seq = append(seq, groupSections[g]...)
	}
	return seq
}

// HasUserConsentSection reports whether the consent group is configured.
func (d Driver) HasUserConsentSection() bool {
	for _, g := range d.groups {
		if g == GroupConsent {
			return true
		}
	}
	return false
}

func (d Driver) firstFromGroup(start int) (Section, bool) {
	for i := start; i < len(d.groups); i++ {
		if sections := groupSections[d.groups[i]]; len(sections) > 0 {
			return sections[0], true
		}
	}
	return "", false
}
