// Package certplan holds the certificate lifecycle state machine. It is
// pure: it decides which states exist per strategy, which steps remain
// from a given state, and how observed events move the state forward.
// Executing the steps (files, containers, the validation client) is the
// certificate manager's job in the shell layer.
package certplan

import "github.com/artpar/stackpilot/internal/core/stack"

// =============================================================================
// States
// =============================================================================

// State is a position in a strategy's certificate lifecycle.
type State string

const (
	// Self-issued strategy.
	StateNoAuthority        State = "no-authority"
	StateAuthorityInstalled State = "authority-installed"

	// Publicly-issued strategy.
	StateUnconfigured       State = "unconfigured"
	StateBootstrapListening State = "bootstrap-listening"
	StateChallengeServed    State = "challenge-served"
	StateValidated          State = "validated"
	StateFailed             State = "failed"

	// User-supplied strategy.
	StateMissing State = "missing"
	StateCopied  State = "copied"

	// Terminal state shared by the self-issued and publicly-issued
	// strategies: a usable certificate sits at the managed path.
	StateCertIssued State = "cert-issued"

	// StateStateless is the only state of the pass-through strategy,
	// which owns no certificate material at all.
	StateStateless State = "stateless"
)

// InitialState returns where a freshly configured strategy starts.
func InitialState(strategy stack.SSLStrategy) State {
	switch strategy {
	case stack.StrategySelfSigned:
		return StateNoAuthority
	case stack.StrategyLetsEncrypt:
		return StateUnconfigured
	case stack.StrategyManual:
		return StateMissing
	default:
		return StateStateless
	}
}

// Belongs reports whether a state is part of a strategy's lifecycle. A
// recorded state from before a strategy switch does not belong to the new
// strategy; callers should then fall back to the strategy's initial state.
func Belongs(strategy stack.SSLStrategy, s State) bool {
	switch strategy {
	case stack.StrategySelfSigned:
		return s == StateNoAuthority || s == StateAuthorityInstalled || s == StateCertIssued
	case stack.StrategyLetsEncrypt:
		switch s {
		case StateUnconfigured, StateBootstrapListening, StateChallengeServed,
			StateValidated, StateFailed, StateCertIssued:
			return true
		}
		return false
	case stack.StrategyManual:
		return s == StateMissing || s == StateCopied
	case stack.StrategyNone:
		return s == StateStateless
	default:
		return false
	}
}

// TerminalState returns the state in which a strategy needs no further work.
func TerminalState(strategy stack.SSLStrategy) State {
	switch strategy {
	case stack.StrategySelfSigned, stack.StrategyLetsEncrypt:
		return StateCertIssued
	case stack.StrategyManual:
		return StateCopied
	default:
		return StateStateless
	}
}

// =============================================================================
// Steps
// =============================================================================

// Step is a single effect the certificate manager must perform.
type Step string

const (
	// Self-issued.
	StepGenerateAuthority Step = "generate-authority"
	StepInstallAuthority  Step = "install-authority"
	StepIssueLeaf         Step = "issue-leaf"

	// Publicly-issued bootstrap saga.
	StepApplyBootstrapTopology Step = "apply-bootstrap-topology"
	StepRunValidationClient    Step = "run-validation-client"
	StepRelocateCertificate    Step = "relocate-certificate"
	StepRetireBootstrap        Step = "retire-bootstrap"

	// User-supplied.
	StepCopyUserFiles Step = "copy-user-files"
)

// IssuePath is the planned sequence of steps that takes the current state
// to the strategy's terminal state.
type IssuePath struct {
	// Valid indicates whether issuance can proceed from the current state.
	Valid bool

	// Steps is the ordered work remaining. Empty when Valid is false, and
	// also empty when the current state is already terminal.
	Steps []Step

	// Compensation is work that must run after the steps regardless of
	// their outcome. For the publicly-issued strategy this retires the
	// temporary challenge-serving topology so a failure never leaves the
	// stack half-bootstrapped.
	Compensation []Step

	// ErrorReason explains why issuance cannot proceed. Empty if Valid.
	ErrorReason string
}

// DetermineIssuePath plans the remaining issuance work for a strategy from
// its current state.
//
// The publicly-issued path restarts from scratch out of the failed state:
// a failed bootstrap leaves no partial progress worth resuming.
//
// Example:
//
//	path := certplan.DetermineIssuePath(cfg.SSL.Strategy, current)
//	if !path.Valid {
//	    return certs.NewCertificateError("issue", path.ErrorReason, nil)
//	}
//	for _, step := range path.Steps { ... }
func DetermineIssuePath(strategy stack.SSLStrategy, current State) IssuePath {
	if current == TerminalState(strategy) {
		return IssuePath{Valid: true}
	}

	switch strategy {
	case stack.StrategySelfSigned:
		switch current {
		case StateNoAuthority:
			return IssuePath{
				Valid: true,
				Steps: []Step{StepGenerateAuthority, StepInstallAuthority, StepIssueLeaf},
			}
		case StateAuthorityInstalled:
			return IssuePath{Valid: true, Steps: []Step{StepIssueLeaf}}
		default:
			return unknownState(current)
		}

	case stack.StrategyLetsEncrypt:
		switch current {
		case StateUnconfigured, StateFailed:
			return IssuePath{
				Valid: true,
				Steps: []Step{
					StepApplyBootstrapTopology,
					StepRunValidationClient,
					StepRelocateCertificate,
				},
				Compensation: []Step{StepRetireBootstrap},
			}
		case StateBootstrapListening, StateChallengeServed, StateValidated:
			return IssuePath{
				Valid:       false,
				ErrorReason: "a certificate bootstrap is already in progress",
			}
		default:
			return unknownState(current)
		}

	case stack.StrategyManual:
		switch current {
		case StateMissing:
			return IssuePath{Valid: true, Steps: []Step{StepCopyUserFiles}}
		default:
			return unknownState(current)
		}

	case stack.StrategyNone:
		return IssuePath{Valid: true}

	default:
		return IssuePath{
			Valid:       false,
			ErrorReason: "unknown certificate strategy " + string(strategy),
		}
	}
}

// DetermineRegeneratePath plans the terminal transition again: overwrite
// the current certificate with a fresh one under the same strategy.
//
// Self-issued keeps its installed authority and reissues only the leaf.
// Publicly-issued reruns the whole bootstrap saga. User-supplied recopies
// the operator's files. Pass-through has nothing to regenerate.
func DetermineRegeneratePath(strategy stack.SSLStrategy) IssuePath {
	switch strategy {
	case stack.StrategySelfSigned:
		return IssuePath{Valid: true, Steps: []Step{StepIssueLeaf}}
	case stack.StrategyLetsEncrypt:
		return DetermineIssuePath(strategy, StateUnconfigured)
	case stack.StrategyManual:
		return IssuePath{Valid: true, Steps: []Step{StepCopyUserFiles}}
	case stack.StrategyNone:
		return IssuePath{
			Valid:       false,
			ErrorReason: "pass-through strategy manages no certificate",
		}
	default:
		return IssuePath{
			Valid:       false,
			ErrorReason: "unknown certificate strategy " + string(strategy),
		}
	}
}

func unknownState(current State) IssuePath {
	return IssuePath{
		Valid:       false,
		ErrorReason: "state " + string(current) + " does not belong to this strategy",
	}
}
