package fault

import "github.com/ghalamif/calibflow/internal/domain"

type OutcomeKind uint8

const (
	OutcomeSkipped OutcomeKind = iota
	OutcomeSucceeded
	OutcomeFailed
)

// Outcome is what happened to one device during one cycle.
type Outcome struct {
	Kind  OutcomeKind
	Fault domain.FaultKind
}

func Skipped() Outcome   { return Outcome{Kind: OutcomeSkipped} }
func Succeeded() Outcome { return Outcome{Kind: OutcomeSucceeded} }

func Failed(f domain.FaultKind) Outcome {
	return Outcome{Kind: OutcomeFailed, Fault: f}
}

// Classify derives a device outcome from the readings it produced. The device
// answered if any query got a response, even an overload.
func Classify(queried bool, readings ...domain.Reading) Outcome {
	if !queried {
		return Skipped()
	}
	if len(readings) == 0 {
		return Succeeded()
	}
	for _, r := range readings {
		if r.Fault != domain.FaultComm {
			return Succeeded()
		}
	}
	return Failed(domain.FaultComm)
}
