package importer

import "nald_import/internal/pipeline"

const (
	StageSnapshot       = "nald.snapshot"
	StageParties        = "nald.parties"
	StageParty          = "nald.party"
	StageLicences       = "nald.licences"
	StageLicence        = "nald.licence"
	StageChargeVersions = "nald.charge-versions"
)

// Stages returns the import graph:
//
//	nald.snapshot -> nald.parties -> nald.party (per party)
//	                              -> nald.licences -> nald.licence (per licence) -> nald.charge-versions
//
// schedule is the cron spec of the root stage; empty leaves it manual.
func (im *Importer) Stages(schedule string) []pipeline.Stage {
	return []pipeline.Stage{
		{Name: StageSnapshot, Handler: im.Snapshot, Next: []string{StageParties}, Schedule: schedule},
		{Name: StageParties, Handler: im.Parties, Next: []string{StageParty, StageLicences}},
		{Name: StageParty, FanOut: true, Handler: im.Party},
		{Name: StageLicences, Handler: im.Licences, Next: []string{StageLicence}},
		{Name: StageLicence, FanOut: true, Handler: im.Licence, Next: []string{StageChargeVersions}},
		{Name: StageChargeVersions, FanOut: true, Handler: im.ChargeVersions},
	}
}

// Graph validates and returns the import graph.
func (im *Importer) Graph(schedule string) (*pipeline.Graph, error) {
	return pipeline.NewGraph(im.Stages(schedule)...)
}
