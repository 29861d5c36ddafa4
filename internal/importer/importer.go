// Package importer implements the NALD import stages: each one extracts
// legacy claims, reconciles them into timelines and loads the result.
package importer

import (
	"context"

	"nald_import/internal/chargeversion"
	"nald_import/internal/nald"
	"nald_import/internal/notify"
	"nald_import/internal/pipeline"
	"nald_import/internal/target"
	"nald_import/internal/timeline"
	"nald_import/platform/apperr"
	"nald_import/platform/logger"
	"nald_import/platform/validator"
)

// Source reads legacy claims.
type Source interface {
	Parties(ctx context.Context) ([]nald.Party, error)
	LicenceNumbers(ctx context.Context) ([]string, error)
	Licence(ctx context.Context, number string) (nald.Licence, error)
	LicenceHolderClaims(ctx context.Context, l nald.Licence) ([]timeline.ClaimInput, error)
	ChargeVersionClaims(ctx context.Context, l nald.Licence) ([]chargeversion.Claim, error)
	InvoiceAddressClaims(ctx context.Context, k nald.PartyKey) ([]timeline.ClaimInput, error)
	BillingRoleClaims(ctx context.Context, k nald.PartyKey) ([]timeline.ClaimInput, error)
}

// Sink persists reconciled results.
type Sink interface {
	UpsertParties(ctx context.Context, parties []nald.Party) (target.PartyResult, error)
	UpsertLicence(ctx context.Context, l nald.Licence) error
	ReplaceLicenceHolders(ctx context.Context, licenceID string, segments []timeline.Segment) error
	ReplaceInvoiceAddresses(ctx context.Context, partyID string, timelines []timeline.Timeline, untouched []string) error
	ReplaceBillingRoles(ctx context.Context, partyID string, segments []timeline.Segment) error
	ReplaceChargeVersions(ctx context.Context, licenceID string, versions []chargeversion.ChargeVersion) error
	LastSnapshot(ctx context.Context) (string, error)
	SaveSnapshot(ctx context.Context, etag string) error
	ClearSnapshot(ctx context.Context) error
}

// SnapshotSource reports the current NALD extract.
type SnapshotSource interface {
	Current(ctx context.Context) (nald.Snapshot, error)
}

// Importer holds the collaborators shared by every stage handler.
type Importer struct {
	source   Source
	sink     Sink
	probe    SnapshotSource
	notifier notify.Notifier
	val      *validator.Validator
	log      *logger.Logger
}

// New builds the stage handlers. A nil probe disables change detection and
// every scheduled run imports the full extract.
func New(source Source, sink Sink, probe SnapshotSource, notifier notify.Notifier, log *logger.Logger) *Importer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Importer{
		source:   source,
		sink:     sink,
		probe:    probe,
		notifier: notifier,
		val:      validator.New(),
		log:      log,
	}
}

// Snapshot halts the pipeline when the extract has not changed since the
// last import.
func (im *Importer) Snapshot(ctx context.Context, _ pipeline.Job) (pipeline.Outcome, error) {
	if im.probe == nil {
		return pipeline.Outcome{Processed: 1}, nil
	}
	current, err := im.probe.Current(ctx)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	last, err := im.sink.LastSnapshot(ctx)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	if last != "" && last == current.ETag {
		im.log.Info("nald extract unchanged, skipping import", "etag", current.ETag)
		return pipeline.Outcome{Halt: true}, nil
	}
	if err := im.sink.SaveSnapshot(ctx, current.ETag); err != nil {
		return pipeline.Outcome{}, err
	}
	im.log.Info("nald extract changed", "etag", current.ETag, "previous", last, "size", current.Size)
	return pipeline.Outcome{Processed: 1}, nil
}

// InvalidateSnapshot is installed as the orchestrator's failure hook. Any
// failed job of a cascade clears the stored etag, so the next scheduled run
// imports the same extract again instead of halting.
func (im *Importer) InvalidateSnapshot(ctx context.Context, c pipeline.Completion) {
	if c.Succeeded() {
		return
	}
	if err := im.sink.ClearSnapshot(ctx); err != nil {
		im.log.Warn("failed to clear snapshot state", "stage", c.Job.Stage, "singleton_key", c.Job.SingletonKey, "error", err)
		return
	}
	im.log.Info("snapshot state cleared after failure", "stage", c.Job.Stage, "singleton_key", c.Job.SingletonKey)
}

// Parties loads every party and fans out one party job per party.
func (im *Importer) Parties(ctx context.Context, _ pipeline.Job) (pipeline.Outcome, error) {
	parties, err := im.source.Parties(ctx)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	result, err := im.sink.UpsertParties(ctx, parties)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	im.reportSkipped(ctx, StageParties, result.Skipped)

	keys := make([]string, 0, len(parties))
	for _, p := range parties {
		keys = append(keys, p.ExternalID())
	}
	return pipeline.Outcome{FanOut: keys, Processed: result.Loaded, Skipped: len(result.Skipped)}, nil
}

// Party reconciles the invoice-account addresses and billing roles of one party.
func (im *Importer) Party(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error) {
	key, err := nald.ParsePartyKey(job.Param)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	partyID := key.Param()

	addressInputs, err := im.source.InvoiceAddressClaims(ctx, key)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	addresses := im.reconcile(addressInputs, timeline.CloseAtNextStart)
	im.reportSkipped(ctx, StageParty, addresses.Skipped)
	im.reportDropped(ctx, StageParty, addresses.Dropped)
	untouched := make([]string, 0, len(addresses.Skipped))
	for _, s := range addresses.Skipped {
		untouched = append(untouched, s.EntityID)
	}
	if err := im.sink.ReplaceInvoiceAddresses(ctx, partyID, addresses.Timelines, untouched); err != nil {
		return pipeline.Outcome{}, err
	}

	roleInputs, err := im.source.BillingRoleClaims(ctx, key)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	roles := im.reconcile(roleInputs, timeline.OpenUntilSuperseded)
	im.reportSkipped(ctx, StageParty, roles.Skipped)
	im.reportDropped(ctx, StageParty, roles.Dropped)
	if len(roles.Skipped) == 0 {
		if err := im.sink.ReplaceBillingRoles(ctx, partyID, segmentsOf(roles, partyID)); err != nil {
			return pipeline.Outcome{}, err
		}
	}

	return pipeline.Outcome{
		Processed: addresses.SegmentCount() + roles.SegmentCount(),
		Skipped:   addresses.SkippedCount() + roles.SkippedCount(),
	}, nil
}

// Licences fans out one licence job per licence number.
func (im *Importer) Licences(ctx context.Context, _ pipeline.Job) (pipeline.Outcome, error) {
	numbers, err := im.source.LicenceNumbers(ctx)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return pipeline.Outcome{FanOut: numbers, Processed: len(numbers)}, nil
}

// Licence loads one licence and its licence-holder timeline. A licence that
// cannot be read is skipped and its charge versions are not imported.
func (im *Importer) Licence(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error) {
	lic, skipped, err := im.licence(ctx, job.Param, StageLicence)
	if err != nil || skipped {
		return pipeline.Outcome{FanOut: []string{}, Skipped: boolCount(skipped)}, err
	}
	if err := im.sink.UpsertLicence(ctx, lic); err != nil {
		return pipeline.Outcome{}, err
	}

	inputs, err := im.source.LicenceHolderClaims(ctx, lic)
	if apperr.IsEntityScoped(err) {
		im.reportSkipped(ctx, StageLicence, []timeline.EntityError{{EntityID: lic.ID, Err: err}})
		return pipeline.Outcome{Processed: 1, Skipped: 1}, nil
	}
	if err != nil {
		return pipeline.Outcome{}, err
	}
	holders := im.reconcile(inputs, timeline.CloseAtNextStart)
	im.reportSkipped(ctx, StageLicence, holders.Skipped)
	im.reportDropped(ctx, StageLicence, holders.Dropped)
	if len(holders.Skipped) == 0 {
		if err := im.sink.ReplaceLicenceHolders(ctx, lic.ID, segmentsOf(holders, lic.ID)); err != nil {
			return pipeline.Outcome{}, err
		}
	}
	return pipeline.Outcome{Processed: 1, Skipped: holders.SkippedCount()}, nil
}

// ChargeVersions gap-fills and loads the charge versions of one licence.
func (im *Importer) ChargeVersions(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error) {
	lic, skipped, err := im.licence(ctx, job.Param, StageChargeVersions)
	if err != nil || skipped {
		return pipeline.Outcome{Skipped: boolCount(skipped)}, err
	}

	claims, err := im.source.ChargeVersionClaims(ctx, lic)
	if err == nil {
		var versions []chargeversion.ChargeVersion
		versions, err = chargeversion.Fill(lic.Lifetime(), claims)
		if err == nil {
			if err := im.sink.ReplaceChargeVersions(ctx, lic.ID, versions); err != nil {
				return pipeline.Outcome{}, err
			}
			return pipeline.Outcome{Processed: len(versions)}, nil
		}
	}
	if apperr.IsEntityScoped(err) {
		im.reportSkipped(ctx, StageChargeVersions, []timeline.EntityError{{EntityID: lic.ID, Err: err}})
		return pipeline.Outcome{Skipped: 1}, nil
	}
	return pipeline.Outcome{}, err
}

// licence reads a licence by number. Missing or malformed licences are
// reported and flagged as skipped rather than failing the job.
func (im *Importer) licence(ctx context.Context, number, stage string) (nald.Licence, bool, error) {
	if number == "" {
		return nald.Licence{}, false, apperr.Validation("licence number is required")
	}
	lic, err := im.source.Licence(ctx, number)
	if err == nil {
		return lic, false, nil
	}
	if apperr.IsEntityScoped(err) || apperr.Is(err, apperr.KindNotFound) {
		im.reportSkipped(ctx, stage, []timeline.EntityError{{EntityID: number, Err: err}})
		return nald.Licence{}, true, nil
	}
	return nald.Licence{}, false, err
}

// reconcile validates raw inputs and merges each entity's claims. Entities
// with malformed or unsorted claims land in Skipped.
func (im *Importer) reconcile(inputs []timeline.ClaimInput, policy timeline.EndPolicy) timeline.Result {
	claims, malformed := timeline.BuildClaims(im.val, inputs)
	result := timeline.Reconcile(claims, policy)
	result.Skipped = append(malformed, result.Skipped...)
	return result
}

func (im *Importer) reportDropped(ctx context.Context, stage string, dropped []timeline.Segment) {
	for _, d := range dropped {
		im.notifier.Info(ctx, "claim replaced on its start day was dropped",
			"stage", stage, "entity", d.EntityID, "key", d.GroupKey.String(), "source_ref", d.SourceRef, "start", d.StartDate.String())
	}
}

func (im *Importer) reportSkipped(ctx context.Context, stage string, skipped []timeline.EntityError) {
	for _, s := range skipped {
		im.notifier.Info(ctx, "skipped entity",
			"stage", stage, "entity", s.EntityID, "kind", apperr.GetKind(s.Err).String(), "error", s.Err.Error())
	}
}

// segmentsOf returns the timeline of entity, or nil when it has no claims.
func segmentsOf(result timeline.Result, entity string) []timeline.Segment {
	for _, tl := range result.Timelines {
		if tl.EntityID == entity {
			return tl.Segments
		}
	}
	return nil
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
