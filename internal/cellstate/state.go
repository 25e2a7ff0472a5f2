// Package cellstate defines the lifecycle of one build cell and the validated
// transitions between its states.
//
//	Pending -> Building -> Built | BuildFailed | BuildSkipped
//	Built -> Verifying -> Verified | VerifyFailed
//	Verified -> Testing -> TestedPass | TestedFail | TestedNoVectors
//	TestedPass | TestedNoVectors -> Benchmarked
package cellstate

// State is the lifecycle position of a cell. The string values appear in the
// event log and reports; do not rename.
type State string

const (
	Pending         State = "PENDING"
	Building        State = "BUILDING"
	Built           State = "BUILT"
	BuildFailed     State = "BUILD_FAILED"
	BuildSkipped    State = "BUILD_SKIPPED"
	Verifying       State = "VERIFYING"
	Verified        State = "VERIFIED"
	VerifyFailed    State = "VERIFY_FAILED"
	Testing         State = "TESTING"
	TestedPass      State = "TESTED_PASS"
	TestedFail      State = "TESTED_FAIL"
	TestedNoVectors State = "TESTED_NO_VECTORS"
	Benchmarked     State = "BENCHMARKED"
)

// Phase groups the states a cell passes through for one pipeline step.
type Phase string

const (
	PhaseBuild     Phase = "build"
	PhaseVerify    Phase = "verify"
	PhaseTest      Phase = "test"
	PhaseBenchmark Phase = "benchmark"
)

// Phases lists the pipeline phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseBuild, PhaseVerify, PhaseTest, PhaseBenchmark}
}

// PhaseOf reports which phase a state belongs to. Pending belongs to none.
func PhaseOf(s State) Phase {
	switch s {
	case Building, Built, BuildFailed, BuildSkipped:
		return PhaseBuild
	case Verifying, Verified, VerifyFailed:
		return PhaseVerify
	case Testing, TestedPass, TestedFail, TestedNoVectors:
		return PhaseTest
	case Benchmarked:
		return PhaseBenchmark
	default:
		return ""
	}
}

// Rank orders states along the lifecycle; outcomes of one phase share a rank.
func Rank(s State) int {
	switch s {
	case Pending:
		return 0
	case Building:
		return 1
	case Built, BuildFailed, BuildSkipped:
		return 2
	case Verifying:
		return 3
	case Verified, VerifyFailed:
		return 4
	case Testing:
		return 5
	case TestedPass, TestedFail, TestedNoVectors:
		return 6
	case Benchmarked:
		return 7
	default:
		return -1
	}
}
