package load

import (
	"fmt"
	"time"
)

// MaxErrors bounds the failure sample kept on a Result.
const MaxErrors = 10

// Failure is one retained diagnostic.
type Failure struct {
	Reason string    `json:"reason"`
	Record any       `json:"record,omitempty"`
	At     time.Time `json:"at"`
}

// Result aggregates one load. Applied counts inserted rows, Updated counts
// rows that already existed.
type Result struct {
	Applied       int       `json:"applied"`
	Updated       int       `json:"updated"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Deleted       int       `json:"deleted,omitempty"`
	NewSecurities int       `json:"new_securities"`
	Errors        []Failure `json:"errors,omitempty"`
}

func (r *Result) AddApplied(n int) { r.Applied += n }
func (r *Result) AddUpdated(n int) { r.Updated += n }
func (r *Result) AddSkipped(n int) { r.Skipped += n }

// AddFailure counts one failed record. Only the first MaxErrors are retained.
func (r *Result) AddFailure(reason string, record any) {
	r.AddFailures(1, reason, record)
}

// AddFailures counts n failed records sharing one reason.
func (r *Result) AddFailures(n int, reason string, record any) {
	if n <= 0 {
		return
	}
	r.Failed += n
	if len(r.Errors) < MaxErrors {
		r.Errors = append(r.Errors, Failure{Reason: reason, Record: record, At: time.Now().UTC()})
	}
}

// Attempted is applied+updated+failed.
func (r *Result) Attempted() int {
	return r.Applied + r.Updated + r.Failed
}

// SuccessRate is (applied+updated)/attempted with attempted floored at 1.
func (r *Result) SuccessRate() float64 {
	total := r.Attempted()
	if total < 1 {
		total = 1
	}
	return float64(r.Applied+r.Updated) / float64(total)
}

func (r *Result) String() string {
	return fmt.Sprintf("applied=%d updated=%d failed=%d skipped=%d success_rate=%.4f",
		r.Applied, r.Updated, r.Failed, r.Skipped, r.SuccessRate())
}
