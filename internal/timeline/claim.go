// Package timeline reconciles flat, append-only legacy claim histories into
// gapless, non-overlapping, deduplicated timelines.
//
// The legacy store reports "a value valid from some date"; the next record's
// start implicitly ends the previous one. Callers partition claims by entity
// (or use Reconcile, which does it for them) and supply each entity's claims
// sorted ascending by start date with a stable tiebreak.
package timeline

import (
	"strings"

	"nald_import/platform/apperr"
	"nald_import/platform/sanitize"
	"nald_import/platform/validator"
)

// GroupKey identifies "what changes together", e.g. company+address+contact for
// a role, or address id for an invoice account. Keys compare by value, part by part.
type GroupKey []string

// Key builds a GroupKey from its parts. Legacy "null" parts become blank.
func Key(parts ...string) GroupKey {
	key := make(GroupKey, len(parts))
	for i, p := range parts {
		if v := sanitize.Nullable(p); v != nil {
			key[i] = *v
		}
	}
	return key
}

// Equal compares two keys field by field.
func (k GroupKey) Equal(o GroupKey) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether the key carries no identifying part at all.
func (k GroupKey) IsZero() bool {
	for _, p := range k {
		if p != "" {
			return false
		}
	}
	return true
}

// String joins the parts with "|".
func (k GroupKey) String() string {
	return strings.Join(k, "|")
}

// Status is the derived state of a segment. Empty where not applicable.
type Status string

const (
	StatusNone       Status = ""
	StatusCurrent    Status = "current"
	StatusSuperseded Status = "superseded"
)

// Claim is one legacy-reported fact about an entity over time.
type Claim struct {
	GroupKey  GroupKey
	EntityID  string
	StartDate Date
	EndDate   *Date
	// Order breaks ties between claims with the same start date (version or
	// increment number supplied by the extractor).
	Order     int
	Payload   any
	SourceRef string
}

// Validate checks the fields every claim must carry.
func (c Claim) Validate() error {
	switch {
	case strings.TrimSpace(c.EntityID) == "":
		return apperr.MalformedClaim("claim has no entity id").WithDetails(c.SourceRef)
	case c.GroupKey.IsZero():
		return apperr.MalformedClaim("claim has no group key").WithDetails(c.SourceRef)
	case c.StartDate.IsZero():
		return apperr.MalformedClaim("claim has no start date").WithDetails(c.SourceRef)
	}
	return nil
}

// ClaimInput is the raw, text-typed shape of a claim as read from the legacy
// extract, before sentinel conversion.
type ClaimInput struct {
	EntityID  string   `validate:"required,notnull"`
	GroupKey  []string `validate:"required,min=1"`
	StartDate string   `validate:"required,notnull"`
	EndDate   string
	Order     int
	Payload   any
	SourceRef string `validate:"required"`
}

// NewClaim validates a raw input and converts legacy "null" sentinels into
// absent values. Any failure is a MalformedClaim.
func NewClaim(val *validator.Validator, in ClaimInput) (Claim, error) {
	if val != nil {
		if err := val.Struct(in); err != nil {
			return Claim{}, apperr.Wrap(apperr.KindMalformedClaim, "invalid claim", err).
				WithDetails(validator.FieldErrors(err))
		}
	}

	if sanitize.IsNull(in.StartDate) {
		return Claim{}, apperr.MalformedClaim("claim has no start date").WithDetails(in.SourceRef)
	}
	start, err := ParseDate(in.StartDate)
	if err != nil {
		return Claim{}, apperr.Wrap(apperr.KindMalformedClaim, "invalid start date", err)
	}
	end, err := ParseNullableDate(in.EndDate)
	if err != nil {
		return Claim{}, apperr.Wrap(apperr.KindMalformedClaim, "invalid end date", err)
	}

	claim := Claim{
		GroupKey:  Key(in.GroupKey...),
		EntityID:  strings.TrimSpace(in.EntityID),
		StartDate: start,
		EndDate:   end,
		Order:     in.Order,
		Payload:   in.Payload,
		SourceRef: in.SourceRef,
	}
	if err := claim.Validate(); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// EntityError reports an entity that could not be reconciled.
type EntityError struct {
	EntityID string
	Err      error
}

func (e EntityError) Error() string {
	return e.EntityID + ": " + e.Err.Error()
}

func (e EntityError) Unwrap() error { return e.Err }

// BuildClaims converts raw inputs into claims. When any input of an entity is
// malformed, every claim of that entity is dropped and the entity is reported
// once; other entities are unaffected. Input order is preserved.
func BuildClaims(val *validator.Validator, inputs []ClaimInput) ([]Claim, []EntityError) {
	claims := make([]Claim, 0, len(inputs))
	rejected := make(map[string]error)
	var order []string

	for _, in := range inputs {
		entity := strings.TrimSpace(in.EntityID)
		if _, bad := rejected[entity]; bad {
			continue
		}
		claim, err := NewClaim(val, in)
		if err != nil {
			rejected[entity] = err
			order = append(order, entity)
			continue
		}
		claims = append(claims, claim)
	}

	if len(rejected) == 0 {
		return claims, nil
	}

	kept := claims[:0]
	for _, c := range claims {
		if _, bad := rejected[c.EntityID]; !bad {
			kept = append(kept, c)
		}
	}
	errs := make([]EntityError, 0, len(order))
	for _, entity := range order {
		errs = append(errs, EntityError{EntityID: entity, Err: rejected[entity]})
	}
	return kept, errs
}
