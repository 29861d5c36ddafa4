package target

import (
	"context"
	"fmt"

	"nald_import/internal/chargeversion"
	"nald_import/internal/nald"
	"nald_import/internal/timeline"

	"github.com/jackc/pgx/v5"
)

const roleLicenceHolder = "licenceHolder"

const upsertLicenceSQL = `
	INSERT INTO licences (external_id, licence_ref, region_code, start_date, expired_date, lapsed_date, revoked_date)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (external_id) DO UPDATE SET
		licence_ref = EXCLUDED.licence_ref,
		region_code = EXCLUDED.region_code,
		start_date = EXCLUDED.start_date,
		expired_date = EXCLUDED.expired_date,
		lapsed_date = EXCLUDED.lapsed_date,
		revoked_date = EXCLUDED.revoked_date,
		updated_at = now()`

// UpsertLicence writes the licence row its roles and charge versions hang off.
func (l *Loader) UpsertLicence(ctx context.Context, lic nald.Licence) error {
	return l.inTx(ctx, "upsert licence", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsertLicenceSQL,
			lic.ID, lic.Number, lic.Region, lic.StartDate.Time(),
			optionalTime(lic.ExpiredDate), optionalTime(lic.LapsedDate), optionalTime(lic.RevokedDate))
		return err
	})
}

type roleRow struct {
	ExternalID string
	LicenceID  string
	CompanyID  string
	AddressID  string
	Segment    timeline.Segment
}

func holderRows(licenceID string, segments []timeline.Segment) ([]roleRow, error) {
	rows := make([]roleRow, 0, len(segments))
	for _, s := range segments {
		holder, ok := s.Payload.(nald.LicenceHolder)
		if !ok {
			return nil, fmt.Errorf("licence holder segment %s carries %T", s, s.Payload)
		}
		rows = append(rows, roleRow{
			ExternalID: segmentID("holder", licenceID, s.StartDate),
			LicenceID:  licenceID,
			CompanyID:  holder.PartyID,
			AddressID:  holder.AddressID,
			Segment:    s,
		})
	}
	return rows, nil
}

const deleteStaleRolesSQL = `
	DELETE FROM licence_roles
	WHERE licence_external_id = $1 AND role = $2 AND NOT (external_id = ANY($3))`

const upsertRoleSQL = `
	INSERT INTO licence_roles (external_id, licence_external_id, role, company_external_id, address_external_id, start_date, end_date, source_ref)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (external_id) DO UPDATE SET
		company_external_id = EXCLUDED.company_external_id,
		address_external_id = EXCLUDED.address_external_id,
		end_date = EXCLUDED.end_date,
		source_ref = EXCLUDED.source_ref,
		updated_at = now()`

// ReplaceLicenceHolders stores the licence-holder timeline of one licence.
func (l *Loader) ReplaceLicenceHolders(ctx context.Context, licenceID string, segments []timeline.Segment) error {
	rows, err := holderRows(licenceID, segments)
	if err != nil {
		return err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ExternalID
	}

	return l.inTx(ctx, "replace licence holders", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteStaleRolesSQL, licenceID, roleLicenceHolder, ids); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(upsertRoleSQL, r.ExternalID, r.LicenceID, roleLicenceHolder, r.CompanyID, r.AddressID,
				r.Segment.StartDate.Time(), optionalTime(r.Segment.EndDate), r.Segment.SourceRef)
		}
		return sendBatch(ctx, tx, batch)
	})
}

type chargeVersionRow struct {
	Version           chargeversion.ChargeVersion
	LegacyStatus      *string
	InvoiceAccountRef *string
}

func chargeVersionRows(versions []chargeversion.ChargeVersion) []chargeVersionRow {
	rows := make([]chargeVersionRow, 0, len(versions))
	for _, v := range versions {
		row := chargeVersionRow{Version: v}
		if details, ok := v.Payload.(nald.ChargeVersionDetails); ok {
			row.LegacyStatus = optionalText(details.LegacyStatus)
			row.InvoiceAccountRef = optionalText(details.InvoiceAccountRef)
		}
		rows = append(rows, row)
	}
	return rows
}

const deleteStaleChargeVersionsSQL = `
	DELETE FROM charge_versions
	WHERE licence_external_id = $1 AND NOT (external_id = ANY($2))`

const upsertChargeVersionSQL = `
	INSERT INTO charge_versions (external_id, licence_external_id, version_number, start_date, end_date, status,
		is_synthetic, marker, legacy_status, invoice_account_ref)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (external_id) DO UPDATE SET
		version_number = EXCLUDED.version_number,
		start_date = EXCLUDED.start_date,
		end_date = EXCLUDED.end_date,
		status = EXCLUDED.status,
		is_synthetic = EXCLUDED.is_synthetic,
		marker = EXCLUDED.marker,
		legacy_status = EXCLUDED.legacy_status,
		invoice_account_ref = EXCLUDED.invoice_account_ref,
		updated_at = now()`

// ReplaceChargeVersions stores the gap-filled charge versions of one licence.
func (l *Loader) ReplaceChargeVersions(ctx context.Context, licenceID string, versions []chargeversion.ChargeVersion) error {
	rows := chargeVersionRows(versions)
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.Version.ExternalID
	}

	return l.inTx(ctx, "replace charge versions", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteStaleChargeVersionsSQL, licenceID, ids); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, r := range rows {
			v := r.Version
			batch.Queue(upsertChargeVersionSQL, v.ExternalID, licenceID, v.VersionNumber, v.StartDate.Time(),
				optionalTime(v.EndDate), string(v.Status), v.IsSynthetic, optionalText(v.Marker),
				r.LegacyStatus, r.InvoiceAccountRef)
		}
		return sendBatch(ctx, tx, batch)
	})
}
