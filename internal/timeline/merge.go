package timeline

import (
	"fmt"

	"nald_import/platform/apperr"
)

// Segment is one reconciled period of an entity's derived history.
type Segment struct {
	GroupKey  GroupKey
	EntityID  string
	Payload   any
	StartDate Date
	// EndDate is nil only on the final segment, or on a segment left
	// open-ended by the OpenUntilSuperseded policy.
	EndDate     *Date
	Status      Status
	IsSynthetic bool
	SourceRef   string
}

// Contains reports whether day d falls inside the segment.
func (s Segment) Contains(d Date) bool {
	if d.Before(s.StartDate) {
		return false
	}
	return s.EndDate == nil || !d.After(*s.EndDate)
}

func (s Segment) String() string {
	return fmt.Sprintf("%s[%s..%s]", s.GroupKey, s.StartDate, FormatOptional(s.EndDate))
}

// EndPolicy decides how an absent or overlapping end date on a non-final
// segment is resolved once the next segment is known.
type EndPolicy int

const (
	// CloseAtNextStart ends every non-final segment the day before the next
	// segment starts, producing a gapless timeline.
	CloseAtNextStart EndPolicy = iota
	// OpenUntilSuperseded keeps reported end dates, capping only those that
	// overlap the next segment. An absent end stays absent.
	OpenUntilSuperseded
)

func (p EndPolicy) String() string {
	if p == OpenUntilSuperseded {
		return "open_until_superseded"
	}
	return "close_at_next_start"
}

// CheckOrder verifies the extractor contract for one entity's claims: a single
// entity, ascending start dates, and non-decreasing Order among equal starts.
func CheckOrder(claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	entity := claims[0].EntityID
	for i, c := range claims {
		if err := c.Validate(); err != nil {
			return err
		}
		if c.EntityID != entity {
			return apperr.PreconditionViolation(fmt.Sprintf("claim %d belongs to entity %q, expected %q", i, c.EntityID, entity))
		}
		if i == 0 {
			continue
		}
		prev := claims[i-1]
		switch c.StartDate.Compare(prev.StartDate) {
		case -1:
			return apperr.PreconditionViolation(fmt.Sprintf("claims for %q not sorted: %s follows %s", entity, c.StartDate, prev.StartDate))
		case 0:
			if c.Order < prev.Order {
				return apperr.PreconditionViolation(fmt.Sprintf("claims for %q starting %s not sorted by tiebreak", entity, c.StartDate))
			}
		}
	}
	return nil
}

// Merge folds one entity's sorted claims into segments. A claim with the same
// group key as the last segment extends it (the earliest start is retained and
// the end becomes the claim's end, possibly open); any other claim starts a
// new segment. Merge never sorts; unsorted input is a PreconditionViolation.
func Merge(claims []Claim) ([]Segment, error) {
	if err := CheckOrder(claims); err != nil {
		return nil, err
	}

	var segments []Segment
	for _, c := range claims {
		segments = appendOrExtend(segments, c)
	}
	return segments, nil
}

// appendOrExtend returns the accumulator with c applied. The last segment is
// replaced by an extended copy rather than modified through a shared pointer.
func appendOrExtend(acc []Segment, c Claim) []Segment {
	n := len(acc)
	if n == 0 || !acc[n-1].GroupKey.Equal(c.GroupKey) {
		return append(acc, Segment{
			GroupKey:  c.GroupKey,
			EntityID:  c.EntityID,
			Payload:   c.Payload,
			StartDate: c.StartDate,
			EndDate:   CloneDate(c.EndDate),
			SourceRef: c.SourceRef,
		})
	}

	extended := acc[n-1]
	extended.EndDate = CloneDate(c.EndDate)
	acc[n-1] = extended
	return acc
}

// Close resolves end dates between consecutive segments of one entity.
// A segment replaced on the very day it started never took effect and is
// dropped; neighbours left with equal keys are merged again.
func Close(segments []Segment, policy EndPolicy) []Segment {
	closed, _ := closeSegments(segments, policy)
	return closed
}

// closeSegments is Close that also returns the same-day replacements it dropped.
func closeSegments(segments []Segment, policy EndPolicy) (closed, dropped []Segment) {
	effective, dropped := dropSameDayReplacements(segments)

	out := make([]Segment, len(effective))
	copy(out, effective)
	for i := 0; i < len(out)-1; i++ {
		limit := out[i+1].StartDate.AddDays(-1)
		switch policy {
		case CloseAtNextStart:
			out[i].EndDate = limit.Ptr()
		case OpenUntilSuperseded:
			if out[i].EndDate != nil && out[i].EndDate.After(limit) {
				out[i].EndDate = limit.Ptr()
			}
		}
	}
	return out, dropped
}

func dropSameDayReplacements(segments []Segment) (kept, dropped []Segment) {
	kept = make([]Segment, 0, len(segments))
	for i, s := range segments {
		if i+1 < len(segments) && segments[i+1].StartDate.Equal(s.StartDate) {
			dropped = append(dropped, s)
			continue
		}
		n := len(kept)
		if n > 0 && kept[n-1].GroupKey.Equal(s.GroupKey) {
			extended := kept[n-1]
			extended.EndDate = CloneDate(s.EndDate)
			kept[n-1] = extended
			continue
		}
		kept = append(kept, s)
	}
	return kept, dropped
}
