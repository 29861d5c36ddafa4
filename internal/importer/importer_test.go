package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"nald_import/internal/chargeversion"
	"nald_import/internal/nald"
	"nald_import/internal/pipeline"
	"nald_import/internal/target"
	"nald_import/internal/timeline"
	"nald_import/platform/apperr"
	"nald_import/platform/logger"
)

const msgUnexpectedErr = "unexpected error: %v"

func strPtr(s string) *string { return &s }

type fakeSource struct {
	parties   []nald.Party
	licences  map[string]nald.Licence
	holders   map[string][]timeline.ClaimInput
	charges   map[string][]chargeversion.Claim
	addresses map[string][]timeline.ClaimInput
	billing   map[string][]timeline.ClaimInput
	holderErr error
}

func (s *fakeSource) Parties(context.Context) ([]nald.Party, error) { return s.parties, nil }

func (s *fakeSource) LicenceNumbers(context.Context) ([]string, error) {
	numbers := make([]string, 0, len(s.licences))
	for n := range s.licences {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	return numbers, nil
}

func (s *fakeSource) Licence(_ context.Context, number string) (nald.Licence, error) {
	l, ok := s.licences[number]
	if !ok {
		return nald.Licence{}, apperr.NotFound("licence " + number + " not found")
	}
	if l.StartDate.IsZero() {
		return nald.Licence{}, apperr.MalformedClaim("ORIG_EFF_DATE is missing")
	}
	return l, nil
}

func (s *fakeSource) LicenceHolderClaims(_ context.Context, l nald.Licence) ([]timeline.ClaimInput, error) {
	if s.holderErr != nil {
		return nil, s.holderErr
	}
	return s.holders[l.Number], nil
}

func (s *fakeSource) ChargeVersionClaims(_ context.Context, l nald.Licence) ([]chargeversion.Claim, error) {
	return s.charges[l.Number], nil
}

func (s *fakeSource) InvoiceAddressClaims(_ context.Context, k nald.PartyKey) ([]timeline.ClaimInput, error) {
	return s.addresses[k.Param()], nil
}

func (s *fakeSource) BillingRoleClaims(_ context.Context, k nald.PartyKey) ([]timeline.ClaimInput, error) {
	return s.billing[k.Param()], nil
}

type fakeSink struct {
	mu          sync.Mutex
	failParties int
	etag        string
	saved     []string
	parties   int
	licences  []string
	holders   map[string][]timeline.Segment
	addresses map[string][]timeline.Timeline
	untouched map[string][]string
	billing   map[string][]timeline.Segment
	versions  map[string][]chargeversion.ChargeVersion
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		holders:   make(map[string][]timeline.Segment),
		addresses: make(map[string][]timeline.Timeline),
		untouched: make(map[string][]string),
		billing:   make(map[string][]timeline.Segment),
		versions:  make(map[string][]chargeversion.ChargeVersion),
	}
}

func (s *fakeSink) UpsertParties(_ context.Context, parties []nald.Party) (target.PartyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failParties > 0 {
		s.failParties--
		return target.PartyResult{}, errors.New("connection reset")
	}
	var result target.PartyResult
	for _, p := range parties {
		if p.Name == nil {
			result.Skipped = append(result.Skipped, timeline.EntityError{EntityID: p.ExternalID(), Err: apperr.MalformedClaim("no name")})
			continue
		}
		result.Loaded++
	}
	s.parties += result.Loaded
	return result, nil
}

func (s *fakeSink) UpsertLicence(_ context.Context, l nald.Licence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licences = append(s.licences, l.Number)
	return nil
}

func (s *fakeSink) ReplaceLicenceHolders(_ context.Context, licenceID string, segments []timeline.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[licenceID] = segments
	return nil
}

func (s *fakeSink) ReplaceInvoiceAddresses(_ context.Context, partyID string, timelines []timeline.Timeline, untouched []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[partyID] = timelines
	s.untouched[partyID] = untouched
	return nil
}

func (s *fakeSink) ReplaceBillingRoles(_ context.Context, partyID string, segments []timeline.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.billing[partyID] = segments
	return nil
}

func (s *fakeSink) ReplaceChargeVersions(_ context.Context, licenceID string, versions []chargeversion.ChargeVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[licenceID] = versions
	return nil
}

func (s *fakeSink) LastSnapshot(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etag, nil
}

func (s *fakeSink) SaveSnapshot(_ context.Context, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag = etag
	s.saved = append(s.saved, etag)
	return nil
}

func (s *fakeSink) ClearSnapshot(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag = ""
	return nil
}

type fakeProbe struct {
	etag string
	err  error
}

func (p fakeProbe) Current(context.Context) (nald.Snapshot, error) {
	return nald.Snapshot{ETag: p.etag, Size: 42}, p.err
}

func testLicence(number, legacyID, start string) nald.Licence {
	l := nald.Licence{ID: "1:" + legacyID, Number: number, Region: "1", LegacyID: legacyID}
	if start != "" {
		l.StartDate = timeline.MustDate(start)
	}
	return l
}

func holderInput(licenceID, party, start string, order int) timeline.ClaimInput {
	return timeline.ClaimInput{
		EntityID:  licenceID,
		GroupKey:  []string{party, "1:9"},
		StartDate: start,
		EndDate:   "null",
		Order:     order,
		Payload:   nald.LicenceHolder{PartyID: party, AddressID: "1:9"},
		SourceRef: licenceID + ":" + start,
	}
}

func TestSnapshotHaltsWhenExtractUnchanged(t *testing.T) {
	sink := newFakeSink()
	sink.etag = "abc"
	im := New(&fakeSource{}, sink, fakeProbe{etag: "abc"}, nil, logger.Discard())

	out, err := im.Snapshot(context.Background(), pipeline.Job{})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if !out.Halt {
		t.Fatal("expected an unchanged extract to halt the pipeline")
	}
	if len(sink.saved) != 0 {
		t.Fatalf("expected no state write, got %v", sink.saved)
	}

	im = New(&fakeSource{}, sink, fakeProbe{etag: "def"}, nil, logger.Discard())
	out, err = im.Snapshot(context.Background(), pipeline.Job{})
	if err != nil || out.Halt {
		t.Fatalf("expected a changed extract to continue, got %+v (%v)", out, err)
	}
	if !slices.Equal(sink.saved, []string{"def"}) {
		t.Fatalf("expected new etag saved, got %v", sink.saved)
	}
}

func TestSnapshotWithoutProbeAlwaysContinues(t *testing.T) {
	im := New(&fakeSource{}, newFakeSink(), nil, nil, logger.Discard())
	out, err := im.Snapshot(context.Background(), pipeline.Job{})
	if err != nil || out.Halt {
		t.Fatalf("expected pipeline to continue, got %+v (%v)", out, err)
	}
}

func TestSnapshotProbeErrorFailsStage(t *testing.T) {
	probeErr := errors.New("bucket unreachable")
	im := New(&fakeSource{}, newFakeSink(), fakeProbe{err: probeErr}, nil, logger.Discard())
	if _, err := im.Snapshot(context.Background(), pipeline.Job{}); !errors.Is(err, probeErr) {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestPartiesFansOutEveryParty(t *testing.T) {
	source := &fakeSource{parties: []nald.Party{
		{Key: nald.PartyKey{Region: "1", PartyID: "100"}, Type: "ORG", Name: strPtr("Farm Ltd")},
		{Key: nald.PartyKey{Region: "1", PartyID: "101"}, Type: "ORG"},
	}}
	im := New(source, newFakeSink(), nil, nil, logger.Discard())

	out, err := im.Parties(context.Background(), pipeline.Job{})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if !slices.Equal(out.FanOut, []string{"1:100", "1:101"}) {
		t.Fatalf("unexpected fan-out %v", out.FanOut)
	}
	if out.Processed != 1 || out.Skipped != 1 {
		t.Fatalf("expected 1 processed and 1 skipped, got %+v", out)
	}
}

func TestLicenceSkipsMalformedLicence(t *testing.T) {
	source := &fakeSource{licences: map[string]nald.Licence{"01/1": testLicence("01/1", "1", "")}}
	sink := newFakeSink()
	im := New(source, sink, nil, nil, logger.Discard())

	out, err := im.Licence(context.Background(), pipeline.Job{Param: "01/1"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.Skipped != 1 || out.FanOut == nil || len(out.FanOut) != 0 {
		t.Fatalf("expected skipped licence with no children, got %+v", out)
	}
	if len(sink.licences) != 0 {
		t.Fatalf("expected nothing loaded, got %v", sink.licences)
	}

	out, err = im.Licence(context.Background(), pipeline.Job{Param: "01/404"})
	if err != nil || out.Skipped != 1 {
		t.Fatalf("expected missing licence skipped, got %+v (%v)", out, err)
	}
}

func TestLicenceMergesHolderTimeline(t *testing.T) {
	lic := testLicence("01/1", "1", "2000-01-01")
	source := &fakeSource{
		licences: map[string]nald.Licence{"01/1": lic},
		holders: map[string][]timeline.ClaimInput{"01/1": {
			holderInput(lic.ID, "1:100", "01/01/2000", 1001),
			holderInput(lic.ID, "1:100", "01/01/2005", 2001),
			holderInput(lic.ID, "1:200", "01/01/2010", 3001),
		}},
	}
	sink := newFakeSink()
	im := New(source, sink, nil, nil, logger.Discard())

	out, err := im.Licence(context.Background(), pipeline.Job{Param: "01/1"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.FanOut != nil {
		t.Fatalf("expected children to inherit the licence number, got %v", out.FanOut)
	}
	segments := sink.holders[lic.ID]
	if len(segments) != 2 {
		t.Fatalf("expected 2 holder segments, got %d", len(segments))
	}
	if !segments[0].EndDate.Equal(timeline.MustDate("2009-12-31")) || segments[1].EndDate != nil {
		t.Fatalf("unexpected holder segments %v", segments)
	}
}

func TestLicenceLeavesHoldersOnUnsortedClaims(t *testing.T) {
	lic := testLicence("01/1", "1", "2000-01-01")
	source := &fakeSource{
		licences: map[string]nald.Licence{"01/1": lic},
		holders: map[string][]timeline.ClaimInput{"01/1": {
			holderInput(lic.ID, "1:100", "01/01/2010", 1),
			holderInput(lic.ID, "1:200", "01/01/2000", 2),
		}},
	}
	sink := newFakeSink()
	notifier := &recordingNotifier{}
	im := New(source, sink, nil, notifier, logger.Discard())

	out, err := im.Licence(context.Background(), pipeline.Job{Param: "01/1"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.Skipped != 1 {
		t.Fatalf("expected one skipped entity, got %+v", out)
	}
	if _, written := sink.holders[lic.ID]; written {
		t.Fatal("expected existing holder rows to be left alone")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one skip notification, got %d", notifier.count())
	}
}

func TestChargeVersionsFillsGaps(t *testing.T) {
	lic := testLicence("01/1", "1", "2000-01-01")
	source := &fakeSource{
		licences: map[string]nald.Licence{"01/1": lic},
		charges: map[string][]chargeversion.Claim{"01/1": {
			{VersionNumber: 1, StartDate: timeline.MustDate("2005-01-01"), SourceRef: "1:1:1"},
		}},
	}
	sink := newFakeSink()
	im := New(source, sink, nil, nil, logger.Discard())

	out, err := im.ChargeVersions(context.Background(), pipeline.Job{Param: "01/1"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	versions := sink.versions[lic.ID]
	if out.Processed != 2 || len(versions) != 2 {
		t.Fatalf("expected real and synthetic version, got %+v", versions)
	}
	if !versions[0].IsSynthetic || versions[0].Marker != chargeversion.MarkerBeforeFirst {
		t.Fatalf("expected leading synthetic version, got %+v", versions[0])
	}
}

func TestChargeVersionsSkipsDuplicateVersions(t *testing.T) {
	lic := testLicence("01/1", "1", "2000-01-01")
	source := &fakeSource{
		licences: map[string]nald.Licence{"01/1": lic},
		charges: map[string][]chargeversion.Claim{"01/1": {
			{VersionNumber: 1, StartDate: timeline.MustDate("2000-01-01"), SourceRef: "a"},
			{VersionNumber: 1, StartDate: timeline.MustDate("2001-01-01"), SourceRef: "b"},
		}},
	}
	sink := newFakeSink()
	im := New(source, sink, nil, nil, logger.Discard())

	out, err := im.ChargeVersions(context.Background(), pipeline.Job{Param: "01/1"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.Skipped != 1 {
		t.Fatalf("expected licence skipped, got %+v", out)
	}
	if _, written := sink.versions[lic.ID]; written {
		t.Fatal("expected no charge versions written")
	}
}

func TestPartyKeepsMalformedAccountsUntouched(t *testing.T) {
	address := func(account, addr, start string) timeline.ClaimInput {
		return timeline.ClaimInput{
			EntityID:  account,
			GroupKey:  []string{addr},
			StartDate: start,
			EndDate:   "null",
			Payload:   nald.InvoiceAddress{InvoiceAccountRef: account, PartyID: "1:100", AddressID: addr},
			SourceRef: account + ":" + start,
		}
	}
	source := &fakeSource{
		addresses: map[string][]timeline.ClaimInput{"1:100": {
			address("1:A1", "1:9", "01/01/2010"),
			address("1:A1", "1:10", "01/01/2012"),
			address("1:A2", "1:9", "null"),
		}},
		billing: map[string][]timeline.ClaimInput{"1:100": {{
			EntityID:  "1:100",
			GroupKey:  []string{"1:A1", "1:9"},
			StartDate: "01/01/2010",
			EndDate:   "null",
			Payload:   nald.BillingRole{PartyID: "1:100", InvoiceAccountRef: "1:A1", AddressID: "1:9"},
			SourceRef: "1:100:A1:1",
		}}},
	}
	sink := newFakeSink()
	im := New(source, sink, nil, nil, logger.Discard())

	out, err := im.Party(context.Background(), pipeline.Job{Param: "1:100"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.Skipped != 1 || out.Processed != 3 {
		t.Fatalf("expected 3 segments and 1 skipped account, got %+v", out)
	}
	if got := sink.untouched["1:100"]; !slices.Equal(got, []string{"1:A2"}) {
		t.Fatalf("expected malformed account left untouched, got %v", got)
	}
	timelines := sink.addresses["1:100"]
	if len(timelines) != 1 || len(timelines[0].Segments) != 2 {
		t.Fatalf("unexpected address timelines %+v", timelines)
	}
	if len(sink.billing["1:100"]) != 1 {
		t.Fatalf("expected billing role loaded, got %v", sink.billing["1:100"])
	}
}

func TestPartyRejectsBadParam(t *testing.T) {
	im := New(&fakeSource{}, newFakeSink(), nil, nil, logger.Discard())
	if _, err := im.Party(context.Background(), pipeline.Job{Param: "no-region"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	infos int
}

func (n *recordingNotifier) Info(context.Context, string, ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos++
}

func (n *recordingNotifier) Error(context.Context, string, error, ...any) {}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.infos
}

func TestPartyReportsSameDayBillingRoleReplacement(t *testing.T) {
	role := func(account, start string, order int) timeline.ClaimInput {
		return timeline.ClaimInput{
			EntityID:  "1:100",
			GroupKey:  []string{account, "1:9"},
			StartDate: start,
			EndDate:   "null",
			Order:     order,
			Payload:   nald.BillingRole{PartyID: "1:100", InvoiceAccountRef: account, AddressID: "1:9"},
			SourceRef: fmt.Sprintf("1:100:%s:%d", account, order),
		}
	}
	source := &fakeSource{billing: map[string][]timeline.ClaimInput{"1:100": {
		role("1:A1", "01/01/2010", 1),
		role("1:A2", "01/04/2015", 2),
		role("1:A3", "01/04/2015", 3),
	}}}
	sink := newFakeSink()
	notifier := &recordingNotifier{}
	im := New(source, sink, nil, notifier, logger.Discard())

	out, err := im.Party(context.Background(), pipeline.Job{Param: "1:100"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.Skipped != 0 || len(sink.billing["1:100"]) != 2 {
		t.Fatalf("expected two billing roles loaded, got %+v and %v", out, sink.billing["1:100"])
	}
	if notifier.count() != 1 {
		t.Fatalf("expected the dropped role reported once, got %d notifications", notifier.count())
	}
}

func TestLicenceSkipsHoldersWithUnreadableVersions(t *testing.T) {
	lic := testLicence("01/123", "500", "2010-04-01")
	source := &fakeSource{
		licences:  map[string]nald.Licence{"01/123": lic},
		holderErr: apperr.MalformedClaim(`ISSUE_NO "null" is not a number`),
	}
	sink := newFakeSink()
	im := New(source, sink, nil, nil, logger.Discard())

	out, err := im.Licence(context.Background(), pipeline.Job{Param: "01/123"})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if out.Processed != 1 || out.Skipped != 1 {
		t.Fatalf("expected licence loaded with holders skipped, got %+v", out)
	}
	if _, replaced := sink.holders[lic.ID]; replaced {
		t.Fatalf("expected holders left untouched, got %v", sink.holders[lic.ID])
	}
	if out.FanOut != nil {
		t.Fatalf("expected charge versions still enqueued, got fan-out %v", out.FanOut)
	}
}
