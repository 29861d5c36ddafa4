package target

import (
	"context"
	"fmt"

	"nald_import/internal/nald"
	"nald_import/internal/timeline"

	"github.com/jackc/pgx/v5"
)

type addressRow struct {
	ExternalID string
	AccountRef string
	PartyID    string
	AddressID  string
	Segment    timeline.Segment
}

func invoiceAddressRows(timelines []timeline.Timeline) ([]addressRow, error) {
	var rows []addressRow
	for _, tl := range timelines {
		for _, s := range tl.Segments {
			addr, ok := s.Payload.(nald.InvoiceAddress)
			if !ok {
				return nil, fmt.Errorf("invoice address segment %s carries %T", s, s.Payload)
			}
			rows = append(rows, addressRow{
				ExternalID: segmentID("invoice-address", tl.EntityID, s.StartDate),
				AccountRef: tl.EntityID,
				PartyID:    addr.PartyID,
				AddressID:  addr.AddressID,
				Segment:    s,
			})
		}
	}
	return rows, nil
}

const deleteStaleInvoiceAddressesSQL = `
	DELETE FROM invoice_account_addresses
	WHERE party_external_id = $1
		AND NOT (external_id = ANY($2))
		AND NOT (invoice_account_ref = ANY($3))`

const upsertInvoiceAddressSQL = `
	INSERT INTO invoice_account_addresses (external_id, invoice_account_ref, party_external_id, address_external_id, start_date, end_date, source_ref)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (external_id) DO UPDATE SET
		party_external_id = EXCLUDED.party_external_id,
		address_external_id = EXCLUDED.address_external_id,
		end_date = EXCLUDED.end_date,
		source_ref = EXCLUDED.source_ref,
		updated_at = now()`

// ReplaceInvoiceAddresses stores the address history of every invoice
// account a party holds. Accounts missing from timelines lose their rows,
// except those listed in untouched.
func (l *Loader) ReplaceInvoiceAddresses(ctx context.Context, partyID string, timelines []timeline.Timeline, untouched []string) error {
	rows, err := invoiceAddressRows(timelines)
	if err != nil {
		return err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ExternalID
	}

	return l.inTx(ctx, "replace invoice addresses", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteStaleInvoiceAddressesSQL, partyID, ids, append([]string{}, untouched...)); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(upsertInvoiceAddressSQL, r.ExternalID, r.AccountRef, r.PartyID, r.AddressID,
				r.Segment.StartDate.Time(), optionalTime(r.Segment.EndDate), r.Segment.SourceRef)
		}
		return sendBatch(ctx, tx, batch)
	})
}

func billingRoleRows(partyID string, segments []timeline.Segment) ([]addressRow, error) {
	rows := make([]addressRow, 0, len(segments))
	for _, s := range segments {
		role, ok := s.Payload.(nald.BillingRole)
		if !ok {
			return nil, fmt.Errorf("billing role segment %s carries %T", s, s.Payload)
		}
		rows = append(rows, addressRow{
			ExternalID: segmentID("billing", partyID, s.StartDate),
			AccountRef: role.InvoiceAccountRef,
			PartyID:    partyID,
			AddressID:  role.AddressID,
			Segment:    s,
		})
	}
	return rows, nil
}

const deleteStaleBillingRolesSQL = `
	DELETE FROM billing_roles
	WHERE party_external_id = $1 AND NOT (external_id = ANY($2))`

const upsertBillingRoleSQL = `
	INSERT INTO billing_roles (external_id, party_external_id, invoice_account_ref, address_external_id, start_date, end_date, source_ref)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (external_id) DO UPDATE SET
		invoice_account_ref = EXCLUDED.invoice_account_ref,
		address_external_id = EXCLUDED.address_external_id,
		end_date = EXCLUDED.end_date,
		source_ref = EXCLUDED.source_ref,
		updated_at = now()`

// ReplaceBillingRoles stores the billing-role timeline of one party.
func (l *Loader) ReplaceBillingRoles(ctx context.Context, partyID string, segments []timeline.Segment) error {
	rows, err := billingRoleRows(partyID, segments)
	if err != nil {
		return err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ExternalID
	}

	return l.inTx(ctx, "replace billing roles", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteStaleBillingRolesSQL, partyID, ids); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(upsertBillingRoleSQL, r.ExternalID, r.PartyID, r.AccountRef, r.AddressID,
				r.Segment.StartDate.Time(), optionalTime(r.Segment.EndDate), r.Segment.SourceRef)
		}
		return sendBatch(ctx, tx, batch)
	})
}
