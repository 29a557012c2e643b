package cfdaggregate

import (
	"fmt"

	"github.com/cfdnet/cfdd/cfdevent"
)

// ValidateLog checks the event-ordering invariants that span the whole
// log rather than a single transition: at most one
// ContractSetupCompleted (a log whose setup has not completed has
// none), and it must precede every terminal event.
// Apply enforces the per-transition invariants (no concurrent
// protocols) as each event is folded; ValidateLog is for auditing an
// already-persisted log, e.g. before trusting a freshly rehydrated
// aggregate for punishment decisions.
func ValidateLog(events []cfdevent.Event) error {
	completions := 0
	setupDone := false

	for _, e := range events {
		switch e.Kind {
		case cfdevent.ContractSetupCompleted:
			completions++
			setupDone = true
		case cfdevent.CetConfirmed, cfdevent.RefundConfirmed, cfdevent.SettlementCompleted:
			if !setupDone {
				return fmt.Errorf("event %d (%s) occurs before ContractSetupCompleted", e.Sequence, e.Kind)
			}
		}
	}

	if completions > 1 {
		return fmt.Errorf("found %d ContractSetupCompleted events, expected at most 1", completions)
	}

	return nil
}
