package lifecycle

import "fmt"

// Result is the coarse outcome of one lifecycle-engine invocation.
type Result string

const (
	ResultCreated  Result = "created"
	ResultModified Result = "modified"
	ResultNoOp     Result = "noop"
	ResultSkipped  Result = "skipped"
	ResultFailed   Result = "failed"
)

// FailureKind classifies failures for the caller's retry policy.
type FailureKind string

const (
	FailTransientUpstream FailureKind = "transient_upstream"
	FailPermanentUpstream FailureKind = "permanent_upstream"
	FailStateConflict     FailureKind = "state_conflict"
	FailPersistence       FailureKind = "persistence"
)

// Outcome is the enumerated result every lifecycle entry point returns.
// The engine prints one structured log line per outcome; callers branch on
// Result and, for failures, Kind.
type Outcome struct {
	Result Result
	Reason string
	Kind   FailureKind
	Err    error
}

func (o Outcome) String() string {
	switch o.Result {
	case ResultSkipped, ResultNoOp:
		return fmt.Sprintf("%s(%s)", o.Result, o.Reason)
	case ResultFailed:
		return fmt.Sprintf("failed(%s: %v)", o.Kind, o.Err)
	default:
		return string(o.Result)
	}
}

func created() Outcome              { return Outcome{Result: ResultCreated} }
func modified() Outcome             { return Outcome{Result: ResultModified} }
func noop(reason string) Outcome    { return Outcome{Result: ResultNoOp, Reason: reason} }
func skipped(reason string) Outcome { return Outcome{Result: ResultSkipped, Reason: reason} }
func failed(kind FailureKind, err error) Outcome {
	return Outcome{Result: ResultFailed, Kind: kind, Err: err}
}
