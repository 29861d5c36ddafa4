package timeline

import (
	"errors"
	"fmt"
)

// Timeline is the reconciled history of one entity.
type Timeline struct {
	EntityID string
	Segments []Segment
}

// Result is the outcome of reconciling a batch covering many entities.
type Result struct {
	Timelines []Timeline
	Skipped   []EntityError
	// Dropped lists segments replaced on the day they started. Their
	// entities still reconcile; the segments never took effect.
	Dropped []Segment
}

// SkippedCount reports how many entities could not be reconciled.
func (r Result) SkippedCount() int { return len(r.Skipped) }

// SegmentCount reports the total number of segments produced.
func (r Result) SegmentCount() int {
	total := 0
	for _, tl := range r.Timelines {
		total += len(tl.Segments)
	}
	return total
}

// Reconcile partitions claims by entity (in first-seen order), merges each
// entity and resolves its end dates with policy. Per-entity failures are
// isolated in Result.Skipped; every other entity still reconciles.
func Reconcile(claims []Claim, policy EndPolicy) Result {
	var order []string
	byEntity := make(map[string][]Claim)
	for _, c := range claims {
		if _, seen := byEntity[c.EntityID]; !seen {
			order = append(order, c.EntityID)
		}
		byEntity[c.EntityID] = append(byEntity[c.EntityID], c)
	}

	result := Result{Timelines: make([]Timeline, 0, len(order))}
	for _, entity := range order {
		segments, err := Merge(byEntity[entity])
		if err != nil {
			result.Skipped = append(result.Skipped, EntityError{EntityID: entity, Err: err})
			continue
		}
		closed, dropped := closeSegments(segments, policy)
		result.Timelines = append(result.Timelines, Timeline{EntityID: entity, Segments: closed})
		result.Dropped = append(result.Dropped, dropped...)
	}
	return result
}

// ErrInvariant is returned by Check when a timeline breaks an ordering invariant.
var ErrInvariant = errors.New("timeline invariant violated")

// Check verifies a reconciled timeline: ascending non-overlapping segments,
// no two adjacent segments with the same key, and closed-off ends that meet
// the next start exactly under CloseAtNextStart.
func Check(segments []Segment, policy EndPolicy) error {
	for i, s := range segments {
		if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
			return fmt.Errorf("%w: %s ends before it starts", ErrInvariant, s)
		}
		if i == len(segments)-1 {
			break
		}
		next := segments[i+1]
		if !next.StartDate.After(s.StartDate) {
			return fmt.Errorf("%w: %s does not start after %s", ErrInvariant, next, s)
		}
		if s.GroupKey.Equal(next.GroupKey) {
			return fmt.Errorf("%w: adjacent segments share key %s", ErrInvariant, s.GroupKey)
		}
		limit := next.StartDate.AddDays(-1)
		switch policy {
		case CloseAtNextStart:
			if s.EndDate == nil || !s.EndDate.Equal(limit) {
				return fmt.Errorf("%w: %s should end on %s", ErrInvariant, s, limit)
			}
		case OpenUntilSuperseded:
			if s.EndDate != nil && s.EndDate.After(limit) {
				return fmt.Errorf("%w: %s overlaps %s", ErrInvariant, s, next)
			}
		}
	}
	return nil
}
