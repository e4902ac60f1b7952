package keel

import (
	"github.com/denismitr/keel/migration"
)

// Report lists the outcome of every unit the run reached, in order
type Report struct {
	Results []migration.Result
	DryRun  bool
}

func (r Report) IDs(o migration.Outcome) []string {
	var ids []string
	for i := range r.Results {
		if r.Results[i].Outcome == o {
			ids = append(ids, r.Results[i].Unit.ID)
		}
	}

	return ids
}

func (r Report) Applied() []string {
	return r.IDs(migration.Applied)
}

func (r Report) Skipped() []string {
	return r.IDs(migration.Skipped)
}

// Failed returns the failed result, a run stops at the first one
func (r Report) Failed() *migration.Result {
	for i := range r.Results {
		if r.Results[i].Outcome == migration.Failed {
			return &r.Results[i]
		}
	}

	return nil
}

func (r Report) Empty() bool {
	return len(r.Results) == 0
}

type Status struct {
	Applied []migration.Record
	Pending migration.Units
	// Unknown records have no matching migration in the source
	Unknown []migration.Record
}
