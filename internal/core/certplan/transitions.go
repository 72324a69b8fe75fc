package certplan

import "github.com/artpar/stackpilot/internal/core/stack"

// =============================================================================
// Observed Events and State Advancement
// =============================================================================

// Event is something the certificate manager observed while executing a
// planned step.
type Event string

const (
	// Self-issued.
	EventAuthorityInstalled Event = "authority-installed"
	EventLeafIssued         Event = "leaf-issued"

	// Publicly-issued.
	EventBootstrapApplied  Event = "bootstrap-applied"
	EventChallengeWritten  Event = "challenge-written"
	EventValidationPassed  Event = "validation-passed"
	EventCertificateStored Event = "certificate-stored"

	// User-supplied.
	EventFilesCopied Event = "files-copied"

	// EventFailure is valid from any non-terminal state of any strategy.
	EventFailure Event = "failure"
)

// Advance computes the state after observing an event. Unknown
// event/state pairs leave the state unchanged; the second return value
// reports whether the event applied.
//
// A failure under the publicly-issued strategy lands in StateFailed; the
// compensation planned by DetermineIssuePath still runs, so the stack's
// previous topology is restored untouched. Failures under the other
// strategies rewind to the initial state because their steps leave
// nothing behind worth keeping.
func Advance(strategy stack.SSLStrategy, current State, event Event) (State, bool) {
	if event == EventFailure {
		if current == TerminalState(strategy) {
			return current, false
		}
		if strategy == stack.StrategyLetsEncrypt {
			return StateFailed, true
		}
		return InitialState(strategy), true
	}

	switch strategy {
	case stack.StrategySelfSigned:
		switch {
		case current == StateNoAuthority && event == EventAuthorityInstalled:
			return StateAuthorityInstalled, true
		case current == StateAuthorityInstalled && event == EventLeafIssued:
			return StateCertIssued, true
		case current == StateCertIssued && event == EventLeafIssued:
			// Regeneration reissues the leaf in place.
			return StateCertIssued, true
		}

	case stack.StrategyLetsEncrypt:
		switch {
		case (current == StateUnconfigured || current == StateFailed || current == StateCertIssued) &&
			event == EventBootstrapApplied:
			return StateBootstrapListening, true
		case current == StateBootstrapListening && event == EventChallengeWritten:
			return StateChallengeServed, true
		case current == StateChallengeServed && event == EventValidationPassed:
			return StateValidated, true
		case current == StateValidated && event == EventCertificateStored:
			return StateCertIssued, true
		}

	case stack.StrategyManual:
		if (current == StateMissing || current == StateCopied) && event == EventFilesCopied {
			return StateCopied, true
		}
	}

	return current, false
}
