package jobstore

import "strings"

// Pipeline names carried in ParentJob.Name. Each maps to one child table,
// except ARLIE which aggregates published products and keeps no row of its
// own.
const (
	PipelineFSCRLIE = "fsc-rlie"
	PipelineRLIES1  = "rlie-s1"
	PipelineS1S2    = "s1-s2"
	PipelineGFSC    = "gfsc"
	PipelineSWSWDS  = "sws-wds"
	PipelineARLIE   = "arlie"
)

// Derived reports whether a pipeline consumes other chain products rather
// than raw satellite acquisitions. Derived jobs only become eligible once
// every upstream input is published or done.
func Derived(name string) bool {
	switch name {
	case PipelineS1S2, PipelineGFSC, PipelineARLIE:
		return true
	}
	return false
}

// ChildOf returns an empty child entity for a pipeline name, or nil when
// the pipeline has no child table.
func ChildOf(name string) Persistable {
	switch name {
	case PipelineFSCRLIE:
		return &FSCRLIEJob{}
	case PipelineRLIES1:
		return &RLIES1Job{}
	case PipelineS1S2:
		return &S1S2Job{}
	case PipelineGFSC:
		return &GFSCJob{}
	case PipelineSWSWDS:
		return &SWSWDSJob{}
	}
	return nil
}

// SplitIDList splits a stored id list on commas, semicolons or spaces.
func SplitIDList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
}
