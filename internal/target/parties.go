package target

import (
	"context"
	"fmt"
	"strings"

	"nald_import/internal/nald"
	"nald_import/internal/timeline"
	"nald_import/platform/apperr"
	"nald_import/platform/phone"

	"github.com/jackc/pgx/v5"
)

// partyChunk bounds the rows written per transaction.
const partyChunk = 500

const (
	companyTypePerson       = "person"
	companyTypeOrganisation = "organisation"
)

type companyRow struct {
	ExternalID string
	Name       string
	Type       string
}

type contactRow struct {
	ExternalID string
	Salutation *string
	Initials   *string
	FirstName  *string
	LastName   *string
	Phone      *string
}

// PartyResult reports how many parties were written and which were skipped.
type PartyResult struct {
	Loaded  int
	Skipped []timeline.EntityError
}

// UpsertParties writes every party as a company; people also get a contact.
// Parties without a usable name are skipped.
func (l *Loader) UpsertParties(ctx context.Context, parties []nald.Party) (PartyResult, error) {
	var result PartyResult
	companies := make([]companyRow, 0, len(parties))
	var contacts []contactRow

	for _, p := range parties {
		company, err := companyFromParty(p)
		if err != nil {
			result.Skipped = append(result.Skipped, timeline.EntityError{EntityID: p.ExternalID(), Err: err})
			continue
		}
		companies = append(companies, company)
		if p.IsPerson() {
			contacts = append(contacts, contactFromParty(p))
		}
	}

	for start := 0; start < len(companies); start += partyChunk {
		end := min(start+partyChunk, len(companies))
		err := l.inTx(ctx, "upsert parties", func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, c := range companies[start:end] {
				batch.Queue(upsertCompanySQL, c.ExternalID, c.Name, c.Type)
			}
			return sendBatch(ctx, tx, batch)
		})
		if err != nil {
			return result, err
		}
		result.Loaded += end - start
	}

	for start := 0; start < len(contacts); start += partyChunk {
		end := min(start+partyChunk, len(contacts))
		err := l.inTx(ctx, "upsert contacts", func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, c := range contacts[start:end] {
				batch.Queue(upsertContactSQL, c.ExternalID, c.Salutation, c.Initials, c.FirstName, c.LastName, c.Phone)
			}
			return sendBatch(ctx, tx, batch)
		})
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

const upsertCompanySQL = `
	INSERT INTO companies (external_id, name, type)
	VALUES ($1, $2, $3)
	ON CONFLICT (external_id) DO UPDATE SET
		name = EXCLUDED.name,
		type = EXCLUDED.type,
		updated_at = now()`

const upsertContactSQL = `
	INSERT INTO contacts (external_id, salutation, initials, first_name, last_name, phone)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (external_id) DO UPDATE SET
		salutation = EXCLUDED.salutation,
		initials = EXCLUDED.initials,
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		phone = EXCLUDED.phone,
		updated_at = now()`

func companyFromParty(p nald.Party) (companyRow, error) {
	row := companyRow{ExternalID: p.ExternalID(), Type: companyTypeOrganisation}
	if p.IsPerson() {
		row.Type = companyTypePerson
		row.Name = personName(p)
	} else if p.Name != nil {
		row.Name = *p.Name
	}
	if row.Name == "" {
		return companyRow{}, apperr.MalformedClaim(fmt.Sprintf("party %s has no name", p.ExternalID()))
	}
	return row, nil
}

// personName renders "Mr J A Smith" from whichever parts NALD holds.
func personName(p nald.Party) string {
	first := p.Initials
	if first == nil {
		first = p.Forename
	}
	parts := make([]string, 0, 3)
	for _, part := range []*string{p.Salutation, first, p.Name} {
		if part != nil && *part != "" {
			parts = append(parts, *part)
		}
	}
	return strings.Join(parts, " ")
}

func contactFromParty(p nald.Party) contactRow {
	row := contactRow{
		ExternalID: p.ExternalID(),
		Salutation: p.Salutation,
		Initials:   p.Initials,
		FirstName:  p.Forename,
		LastName:   p.Name,
	}
	if p.Phone != nil {
		if normalized := phone.NormalizeE164(*p.Phone); normalized != "" {
			row.Phone = &normalized
		}
	}
	return row
}
