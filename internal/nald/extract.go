// Package nald reads the legacy NALD extract loaded into the "import" schema.
// Every column there is text and absent values arrive as the literal "null";
// rows are returned sorted by entity, start date and a stable tiebreak so the
// reconciliation code can trust their order.
package nald

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nald_import/internal/chargeversion"
	"nald_import/internal/timeline"
	"nald_import/platform/apperr"
	"nald_import/platform/sanitize"

	"github.com/jackc/pgx/v5"
)

// erroneousStatus marks a charge version NALD flags as entered in error.
const erroneousStatus = "ERR"

// Querier is satisfied by *pgxpool.Pool, pgx.Tx and *pgx.Conn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Extractor runs the claim queries against the import schema.
type Extractor struct {
	db     Querier
	region string
}

// NewExtractor limits every query to region when it is not empty.
func NewExtractor(db Querier, region string) *Extractor {
	return &Extractor{db: db, region: region}
}

// PartyKey identifies a NALD party. Party ids are only unique within a region.
type PartyKey struct {
	Region  string
	PartyID string
}

// Param renders the key as a fan-out parameter, "<region>:<party>".
func (k PartyKey) Param() string { return k.Region + ":" + k.PartyID }

// ParsePartyKey reverses Param.
func ParsePartyKey(param string) (PartyKey, error) {
	region, party, ok := strings.Cut(param, ":")
	if !ok || region == "" || party == "" {
		return PartyKey{}, apperr.Validation(fmt.Sprintf("invalid party key %q", param))
	}
	return PartyKey{Region: region, PartyID: party}, nil
}

func scoped(region, id string) string { return region + ":" + id }

// optionalScoped scopes id to region, or returns "" for a legacy null.
func optionalScoped(region, id string) string {
	if v := sanitize.Nullable(id); v != nil {
		return scoped(region, *v)
	}
	return ""
}

// Party is a NALD party: an organisation or a person.
type Party struct {
	Key        PartyKey
	Type       string
	Name       *string
	Forename   *string
	Initials   *string
	Salutation *string
	Phone      *string
}

// ExternalID is the natural key of the party in the target schema.
func (p Party) ExternalID() string { return p.Key.Param() }

// IsPerson reports whether NALD records the party as a person.
func (p Party) IsPerson() bool { return p.Type == "PER" }

// Licence is a NALD abstraction licence.
type Licence struct {
	ID          string
	Number      string
	Region      string
	LegacyID    string
	StartDate   timeline.Date
	ExpiredDate *timeline.Date
	LapsedDate  *timeline.Date
	RevokedDate *timeline.Date
}

// EndDate is the earliest of the expiry, lapse and revocation dates.
func (l Licence) EndDate() *timeline.Date {
	var end *timeline.Date
	for _, d := range []*timeline.Date{l.ExpiredDate, l.LapsedDate, l.RevokedDate} {
		if d != nil && (end == nil || d.Before(*end)) {
			end = timeline.CloneDate(d)
		}
	}
	return end
}

// Lifetime is the range the licence's charge versions must cover.
func (l Licence) Lifetime() chargeversion.Licence {
	return chargeversion.Licence{ID: l.ID, Number: l.Number, StartDate: l.StartDate, EndDate: l.EndDate()}
}

// LicenceHolder is the payload of a licence-holder role claim.
type LicenceHolder struct {
	PartyID   string
	AddressID string
	Issue     int
	Increment int
}

// ChargeVersionDetails is the payload carried by each charge-version claim.
type ChargeVersionDetails struct {
	LegacyStatus      string
	PartyID           string
	AddressID         string
	InvoiceAccountRef string
}

// InvoiceAddress is the payload of an invoice-account address claim.
type InvoiceAddress struct {
	InvoiceAccountRef string
	PartyID           string
	AddressID         string
}

// BillingRole is the payload of a billing-role claim.
type BillingRole struct {
	PartyID           string
	InvoiceAccountRef string
	AddressID         string
}

const partiesQuery = `
	SELECT p."FGAC_REGION_CODE", p."ID", p."APAR_TYPE", p."NAME", p."FORENAME", p."INITIALS", p."SALUTATION",
		COALESCE((
			SELECT c."TEL_NO" FROM import."NALD_CONT_NOS" c
			WHERE c."APAR_ID" = p."ID" AND c."FGAC_REGION_CODE" = p."FGAC_REGION_CODE" AND c."ACNT_CODE" = 'TEL'
			ORDER BY c."ID"::integer LIMIT 1
		), 'null')
	FROM import."NALD_PARTIES" p
	WHERE ($1 = '' OR p."FGAC_REGION_CODE" = $1)
	ORDER BY p."FGAC_REGION_CODE"::integer, p."ID"::integer`

// Parties reads every party with its first telephone number.
func (e *Extractor) Parties(ctx context.Context) ([]Party, error) {
	rows, err := e.db.Query(ctx, partiesQuery, e.region)
	if err != nil {
		return nil, fmt.Errorf("query parties: %w", err)
	}
	parties, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Party, error) {
		var (
			p                                           Party
			name, forename, initials, salutation, phone string
		)
		if err := row.Scan(&p.Key.Region, &p.Key.PartyID, &p.Type, &name, &forename, &initials, &salutation, &phone); err != nil {
			return Party{}, err
		}
		p.Name = sanitize.Nullable(name)
		p.Forename = sanitize.Nullable(forename)
		p.Initials = sanitize.Nullable(initials)
		p.Salutation = sanitize.Nullable(salutation)
		p.Phone = sanitize.Nullable(phone)
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan parties: %w", err)
	}
	return parties, nil
}

const licenceNumbersQuery = `
	SELECT "LIC_NO"
	FROM import."NALD_ABS_LICENCES"
	WHERE ($1 = '' OR "FGAC_REGION_CODE" = $1)
	ORDER BY "LIC_NO"`

// LicenceNumbers lists every licence number, the fan-out parameters of the licence stage.
func (e *Extractor) LicenceNumbers(ctx context.Context) ([]string, error) {
	rows, err := e.db.Query(ctx, licenceNumbersQuery, e.region)
	if err != nil {
		return nil, fmt.Errorf("query licence numbers: %w", err)
	}
	numbers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan licence numbers: %w", err)
	}
	return numbers, nil
}

const licenceQuery = `
	SELECT "ID", "LIC_NO", "FGAC_REGION_CODE", "ORIG_EFF_DATE", "EXPIRY_DATE", "LAPSED_DATE", "REV_DATE"
	FROM import."NALD_ABS_LICENCES"
	WHERE "LIC_NO" = $1`

// Licence reads one licence by number.
func (e *Extractor) Licence(ctx context.Context, number string) (Licence, error) {
	var legacyID, start, expired, lapsed, revoked string
	var l Licence
	err := e.db.QueryRow(ctx, licenceQuery, number).Scan(&legacyID, &l.Number, &l.Region, &start, &expired, &lapsed, &revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Licence{}, apperr.NotFound(fmt.Sprintf("licence %s not found", number))
		}
		return Licence{}, fmt.Errorf("query licence %s: %w", number, err)
	}
	l.LegacyID = legacyID
	l.ID = scoped(l.Region, legacyID)

	startDate, perr := requiredDate("ORIG_EFF_DATE", start)
	if perr != nil {
		return Licence{}, perr.WithDetails(number)
	}
	l.StartDate = startDate
	for _, f := range []struct {
		column string
		value  string
		dst    **timeline.Date
	}{
		{"EXPIRY_DATE", expired, &l.ExpiredDate},
		{"LAPSED_DATE", lapsed, &l.LapsedDate},
		{"REV_DATE", revoked, &l.RevokedDate},
	} {
		d, err := timeline.ParseNullableDate(f.value)
		if err != nil {
			return Licence{}, apperr.Wrap(apperr.KindMalformedClaim, "invalid "+f.column, err).WithDetails(number)
		}
		*f.dst = d
	}
	return l, nil
}

const licenceHolderQuery = `
	SELECT "ISSUE_NO", "INCR_NO", "EFF_ST_DATE", "EFF_END_DATE", "ACON_APAR_ID", "ACON_AADD_ID"
	FROM import."NALD_ABS_LIC_VERSIONS"
	WHERE "AABL_ID" = $1 AND "FGAC_REGION_CODE" = $2 AND "STATUS" <> 'DRAFT'
	ORDER BY to_date("EFF_ST_DATE", 'DD/MM/YYYY'),
		CASE WHEN "ISSUE_NO" ~ '^[0-9]+$' THEN "ISSUE_NO"::integer END,
		CASE WHEN "INCR_NO" ~ '^[0-9]+$' THEN "INCR_NO"::integer END`

// holderRow is one licence version as read from NALD_ABS_LIC_VERSIONS.
type holderRow struct {
	issue, increment, start, end, party, address string
}

// LicenceHolderClaims reads the licence versions of l as licence-holder role
// claims, keyed by holder party and address. A version with an unreadable
// issue or increment number rejects the whole licence.
func (e *Extractor) LicenceHolderClaims(ctx context.Context, l Licence) ([]timeline.ClaimInput, error) {
	rows, err := e.db.Query(ctx, licenceHolderQuery, l.LegacyID, l.Region)
	if err != nil {
		return nil, fmt.Errorf("query licence versions of %s: %w", l.Number, err)
	}
	order := 0
	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (timeline.ClaimInput, error) {
		var r holderRow
		if err := row.Scan(&r.issue, &r.increment, &r.start, &r.end, &r.party, &r.address); err != nil {
			return timeline.ClaimInput{}, err
		}
		order++
		return holderClaim(l, order, r)
	})
	if err != nil {
		if apperr.IsEntityScoped(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan licence versions of %s: %w", l.Number, err)
	}
	return claims, nil
}

// holderClaim converts one licence version. order is the row position, which
// the query sorts by start date, issue and increment.
func holderClaim(l Licence, order int, r holderRow) (timeline.ClaimInput, error) {
	issueNo, perr := legacyNumber("ISSUE_NO", r.issue)
	if perr != nil {
		return timeline.ClaimInput{}, perr.WithDetails(l.Number)
	}
	incrNo, perr := legacyNumber("INCR_NO", r.increment)
	if perr != nil {
		return timeline.ClaimInput{}, perr.WithDetails(l.Number)
	}
	holder := LicenceHolder{
		PartyID:   scoped(l.Region, r.party),
		AddressID: scoped(l.Region, r.address),
		Issue:     issueNo,
		Increment: incrNo,
	}
	return timeline.ClaimInput{
		EntityID:  l.ID,
		GroupKey:  []string{holder.PartyID, holder.AddressID},
		StartDate: r.start,
		EndDate:   r.end,
		Order:     order,
		Payload:   holder,
		SourceRef: fmt.Sprintf("%s:%d:%d", l.ID, issueNo, incrNo),
	}, nil
}

const chargeVersionsQuery = `
	SELECT "VERS_NO", "EFF_ST_DATE", "EFF_END_DATE", "STATUS", "ACON_APAR_ID", "ACON_AADD_ID", "AIIA_IAS_CUST_REF"
	FROM import."NALD_CHG_VERSIONS"
	WHERE "AABL_ID" = $1 AND "FGAC_REGION_CODE" = $2 AND "STATUS" <> 'DRAFT'
	ORDER BY to_date("EFF_ST_DATE", 'DD/MM/YYYY'),
		CASE WHEN "VERS_NO" ~ '^[0-9]+$' THEN "VERS_NO"::integer END`

// ChargeVersionClaims reads the charge versions of l sorted by start date and
// version number. Any unparseable row rejects the whole licence.
func (e *Extractor) ChargeVersionClaims(ctx context.Context, l Licence) ([]chargeversion.Claim, error) {
	rows, err := e.db.Query(ctx, chargeVersionsQuery, l.LegacyID, l.Region)
	if err != nil {
		return nil, fmt.Errorf("query charge versions of %s: %w", l.Number, err)
	}
	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chargeversion.Claim, error) {
		var version, start, end, status, party, address, account string
		if err := row.Scan(&version, &start, &end, &status, &party, &address, &account); err != nil {
			return chargeversion.Claim{}, err
		}
		versionNo, perr := legacyNumber("VERS_NO", version)
		if perr != nil {
			return chargeversion.Claim{}, perr.WithDetails(l.Number)
		}
		startDate, perr := requiredDate("EFF_ST_DATE", start)
		if perr != nil {
			return chargeversion.Claim{}, perr.WithDetails(l.Number)
		}
		endDate, err := timeline.ParseNullableDate(end)
		if err != nil {
			return chargeversion.Claim{}, apperr.Wrap(apperr.KindMalformedClaim, "invalid EFF_END_DATE", err).WithDetails(l.Number)
		}
		return chargeversion.Claim{
			VersionNumber: versionNo,
			StartDate:     startDate,
			EndDate:       endDate,
			Erroneous:     status == erroneousStatus,
			SourceRef:     fmt.Sprintf("%s:%d", l.ID, versionNo),
			Payload: ChargeVersionDetails{
				LegacyStatus:      status,
				PartyID:           scoped(l.Region, party),
				AddressID:         scoped(l.Region, address),
				InvoiceAccountRef: optionalScoped(l.Region, account),
			},
		}, nil
	})
	if err != nil {
		if apperr.IsEntityScoped(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan charge versions of %s: %w", l.Number, err)
	}
	return claims, nil
}

const invoiceAddressQuery = `
	SELECT "IAS_CUST_REF", "ACON_AADD_ID", "IAS_XFER_DATE"
	FROM import."NALD_IAS_INVOICE_ACCS"
	WHERE "ACON_APAR_ID" = $1 AND "FGAC_REGION_CODE" = $2
	ORDER BY "IAS_CUST_REF", to_date("IAS_XFER_DATE", 'DD/MM/YYYY'), "ACON_AADD_ID"::integer`

// InvoiceAddressClaims reads the address history of every invoice account
// of a party. Each account is one entity; the address is the group key.
func (e *Extractor) InvoiceAddressClaims(ctx context.Context, k PartyKey) ([]timeline.ClaimInput, error) {
	rows, err := e.db.Query(ctx, invoiceAddressQuery, k.PartyID, k.Region)
	if err != nil {
		return nil, fmt.Errorf("query invoice accounts of %s: %w", k.Param(), err)
	}
	defer rows.Close()

	var (
		claims []timeline.ClaimInput
		order  int
		last   string
	)
	for rows.Next() {
		var account, address, transfer string
		if err := rows.Scan(&account, &address, &transfer); err != nil {
			return nil, fmt.Errorf("scan invoice accounts of %s: %w", k.Param(), err)
		}
		entity := scoped(k.Region, account)
		if entity != last {
			order, last = 0, entity
		}
		order++
		claims = append(claims, timeline.ClaimInput{
			EntityID:  entity,
			GroupKey:  []string{scoped(k.Region, address)},
			StartDate: transfer,
			EndDate:   "null",
			Order:     order,
			Payload: InvoiceAddress{
				InvoiceAccountRef: account,
				PartyID:           k.Param(),
				AddressID:         scoped(k.Region, address),
			},
			SourceRef: fmt.Sprintf("%s:%s:%d", entity, address, order),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read invoice accounts of %s: %w", k.Param(), err)
	}
	return claims, nil
}

const billingRoleQuery = `
	SELECT "IAS_CUST_REF", "ACON_AADD_ID", "EFF_ST_DATE", "EFF_END_DATE"
	FROM import."NALD_LH_ACCS"
	WHERE "ACON_APAR_ID" = $1 AND "FGAC_REGION_CODE" = $2
	ORDER BY to_date("EFF_ST_DATE", 'DD/MM/YYYY'), "IAS_CUST_REF", "ACON_AADD_ID"::integer`

// BillingRoleClaims reads the billing roles a party held, keyed by invoice
// account and billing address. The party is the entity.
func (e *Extractor) BillingRoleClaims(ctx context.Context, k PartyKey) ([]timeline.ClaimInput, error) {
	rows, err := e.db.Query(ctx, billingRoleQuery, k.PartyID, k.Region)
	if err != nil {
		return nil, fmt.Errorf("query billing roles of %s: %w", k.Param(), err)
	}
	order := 0
	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (timeline.ClaimInput, error) {
		var account, address, start, end string
		if err := row.Scan(&account, &address, &start, &end); err != nil {
			return timeline.ClaimInput{}, err
		}
		order++
		role := BillingRole{
			PartyID:           k.Param(),
			InvoiceAccountRef: scoped(k.Region, account),
			AddressID:         scoped(k.Region, address),
		}
		return timeline.ClaimInput{
			EntityID:  k.Param(),
			GroupKey:  []string{role.InvoiceAccountRef, role.AddressID},
			StartDate: start,
			EndDate:   end,
			Order:     order,
			Payload:   role,
			SourceRef: fmt.Sprintf("%s:%s:%d", k.Param(), account, order),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan billing roles of %s: %w", k.Param(), err)
	}
	return claims, nil
}

// legacyNumber parses a numeric text column; "null" and garbage are malformed.
func legacyNumber(column, value string) (int, *apperr.Error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, apperr.MalformedClaim(fmt.Sprintf("%s %q is not a number", column, value))
	}
	return n, nil
}

func requiredDate(column, value string) (timeline.Date, *apperr.Error) {
	if sanitize.IsNull(value) {
		return timeline.Date{}, apperr.MalformedClaim(column + " is missing")
	}
	d, err := timeline.ParseDate(value)
	if err != nil {
		return timeline.Date{}, apperr.Wrap(apperr.KindMalformedClaim, "invalid "+column, err)
	}
	return d, nil
}
