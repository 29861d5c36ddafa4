// Package chargeversion derives a licence's charge-version history from legacy
// claims: overlapping ends are capped, each version gets a current/superseded
// status, and periods of the licence lifetime no current version covers are
// filled with synthetic versions so that exactly one current version applies
// to every day of the licence.
package chargeversion

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"nald_import/internal/timeline"
	"nald_import/platform/apperr"

	"github.com/google/uuid"
)

// syntheticNamespace seeds the deterministic ids of synthetic versions.
var syntheticNamespace = uuid.MustParse("6f1c2a52-2d7e-4c53-9a4e-0c2e5b7d9a10")

const (
	MarkerBeforeFirst  = "before-first"
	MarkerAfterLast    = "after-last"
	MarkerWholeLicence = "whole-licence"
)

// Licence carries the lifetime the versions must cover.
type Licence struct {
	ID        string
	Number    string
	StartDate timeline.Date
	EndDate   *timeline.Date
}

// Claim is one legacy charge version of a licence.
type Claim struct {
	VersionNumber int
	StartDate     timeline.Date
	EndDate       *timeline.Date
	// Erroneous is set when the legacy source flags the version as entered in error.
	Erroneous bool
	SourceRef string
	Payload   any
}

// ChargeVersion is a reconciled (or synthetic) charge version.
type ChargeVersion struct {
	ExternalID    string
	LicenceID     string
	VersionNumber int
	StartDate     timeline.Date
	EndDate       *timeline.Date
	Status        timeline.Status
	IsSynthetic   bool
	// Marker names the gap a synthetic version fills; empty for real versions.
	Marker  string
	Payload any
}

// Covers reports whether v applies on day d.
func (v ChargeVersion) Covers(d timeline.Date) bool {
	if d.Before(v.StartDate) {
		return false
	}
	return v.EndDate == nil || !d.After(*v.EndDate)
}

// SyntheticID returns the stable id of the synthetic version filling marker on licence.
func SyntheticID(licenceID, marker string) string {
	return uuid.NewSHA1(syntheticNamespace, []byte(licenceID+":"+marker)).String()
}

// Fill reconciles one licence's claims, which must be sorted by start date and
// then version number. The result is sorted by (start date, version number).
func Fill(licence Licence, claims []Claim) ([]ChargeVersion, error) {
	if licence.ID == "" || licence.StartDate.IsZero() {
		return nil, apperr.MalformedClaim("licence has no id or start date").WithDetails(licence.Number)
	}
	if licence.EndDate != nil && licence.EndDate.Before(licence.StartDate) {
		return nil, apperr.PreconditionViolation(fmt.Sprintf("licence %s ends before it starts", licence.Number))
	}
	if err := checkClaims(licence, claims); err != nil {
		return nil, err
	}

	derived := deriveVersions(licence, claims)
	synthetic := synthesiseGaps(licence, derived)

	versions := append(derived, synthetic...)
	slices.SortStableFunc(versions, func(a, b ChargeVersion) int {
		if c := a.StartDate.Compare(b.StartDate); c != 0 {
			return c
		}
		return cmp.Compare(a.VersionNumber, b.VersionNumber)
	})
	return versions, nil
}

// Coverage returns the versions that take part in day-by-day billing: current
// real versions plus synthetic ones, in order.
func Coverage(versions []ChargeVersion) []ChargeVersion {
	out := make([]ChargeVersion, 0, len(versions))
	for _, v := range versions {
		if v.Status == timeline.StatusCurrent {
			out = append(out, v)
		}
	}
	return out
}

// EffectiveOn returns the single current version that applies on day d.
func EffectiveOn(versions []ChargeVersion, d timeline.Date) (ChargeVersion, bool) {
	for _, v := range Coverage(versions) {
		if v.Covers(d) {
			return v, true
		}
	}
	return ChargeVersion{}, false
}

func checkClaims(licence Licence, claims []Claim) error {
	asTimeline := make([]timeline.Claim, len(claims))
	seen := make(map[int]struct{}, len(claims))
	for i, c := range claims {
		if _, dup := seen[c.VersionNumber]; dup {
			return apperr.PreconditionViolation(fmt.Sprintf("licence %s has duplicate version %d", licence.Number, c.VersionNumber))
		}
		seen[c.VersionNumber] = struct{}{}
		asTimeline[i] = timeline.Claim{
			GroupKey:  timeline.Key(strconv.Itoa(c.VersionNumber)),
			EntityID:  licence.ID,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
			Order:     c.VersionNumber,
			SourceRef: c.SourceRef,
		}
	}
	return timeline.CheckOrder(asTimeline)
}

func deriveVersions(licence Licence, claims []Claim) []ChargeVersion {
	versions := make([]ChargeVersion, 0, len(claims))
	for i, c := range claims {
		status := timeline.StatusCurrent
		if c.Erroneous {
			status = timeline.StatusSuperseded
		}
		end := timeline.CloneDate(c.EndDate)

		if i+1 < len(claims) {
			next := claims[i+1]
			if next.StartDate.Equal(c.StartDate) {
				// Replaced on the day it started; it never took effect.
				status = timeline.StatusSuperseded
				end = c.StartDate.Ptr()
			} else {
				end = timeline.MinDate(end, next.StartDate.AddDays(-1)).Ptr()
			}
		}

		if status == timeline.StatusCurrent && licence.EndDate != nil && !c.StartDate.After(*licence.EndDate) {
			end = timeline.MinDate(end, *licence.EndDate).Ptr()
		}

		versions = append(versions, ChargeVersion{
			ExternalID:    c.SourceRef,
			LicenceID:     licence.ID,
			VersionNumber: c.VersionNumber,
			StartDate:     c.StartDate,
			EndDate:       end,
			Status:        status,
			Payload:       c.Payload,
		})
	}
	return versions
}

type gap struct {
	start  timeline.Date
	end    *timeline.Date
	marker string
}

func synthesiseGaps(licence Licence, versions []ChargeVersion) []ChargeVersion {
	current := Coverage(versions)
	var gaps []gap

	cursor := licence.StartDate.Ptr()
	var prev *ChargeVersion
	for i := range current {
		v := current[i]
		if cursor == nil || pastLicenceEnd(licence, *cursor) {
			break
		}
		if v.StartDate.After(*cursor) {
			gapEnd := v.StartDate.AddDays(-1)
			if licence.EndDate != nil {
				gapEnd = timeline.MinDate(&gapEnd, *licence.EndDate)
			}
			marker := MarkerBeforeFirst
			if prev != nil {
				marker = fmt.Sprintf("between-v%d-v%d", prev.VersionNumber, v.VersionNumber)
			}
			gaps = append(gaps, gap{start: *cursor, end: gapEnd.Ptr(), marker: marker})
		}
		if v.EndDate == nil {
			cursor = nil
		} else if next := v.EndDate.AddDays(1); next.After(*cursor) {
			cursor = next.Ptr()
		}
		prev = &current[i]
	}

	if cursor != nil && !pastLicenceEnd(licence, *cursor) {
		marker := MarkerAfterLast
		if len(current) == 0 {
			marker = MarkerWholeLicence
		}
		gaps = append(gaps, gap{start: *cursor, end: timeline.CloneDate(licence.EndDate), marker: marker})
	}

	next := maxVersion(versions) + 1
	synthetic := make([]ChargeVersion, 0, len(gaps))
	for _, g := range gaps {
		synthetic = append(synthetic, ChargeVersion{
			ExternalID:    SyntheticID(licence.ID, g.marker),
			LicenceID:     licence.ID,
			VersionNumber: next,
			StartDate:     g.start,
			EndDate:       g.end,
			Status:        timeline.StatusCurrent,
			IsSynthetic:   true,
			Marker:        g.marker,
		})
		next++
	}
	return synthetic
}

func pastLicenceEnd(licence Licence, d timeline.Date) bool {
	return licence.EndDate != nil && d.After(*licence.EndDate)
}

func maxVersion(versions []ChargeVersion) int {
	highest := 0
	for _, v := range versions {
		if v.VersionNumber > highest {
			highest = v.VersionNumber
		}
	}
	return highest
}
