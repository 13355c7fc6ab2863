// Package payments carries the payment orchestration: the SimplePayment
// process definition and the handlers its steps run against.
package payments

import (
	"github.com/flowmesh/flowmesh/internal/process"
)

// Step names of the SimplePayment process.
const (
	StepBookLimits        = "BookLimits"
	StepReverseLimits     = "ReverseLimits"
	StepBookFx            = "BookFx"
	StepUnwindFx          = "UnwindFx"
	StepValidateBalance   = "ValidateBalance"
	StepValidateRisk      = "ValidateRisk"
	StepCreateTransaction = "CreateTransaction"
	StepCreatePayment     = "CreatePayment"
)

// SimplePayment books limits, runs validations in parallel and creates the
// transaction and payment once every branch has cleared.
type SimplePayment struct{}

// ProcessType identifies the graph.
func (SimplePayment) ProcessType() string { return "SimplePayment" }

// Define builds the step graph.
func (SimplePayment) Define(b *process.Builder) *process.Builder {
	return b.
		StartWith(StepBookLimits).WithCompensation(StepReverseLimits).
		ThenParallel().
		Branch(StepBookFx).WithCompensation(StepUnwindFx).
		Branch(StepValidateBalance).
		Branch(StepValidateRisk).
		JoinAt(StepCreateTransaction).
		Then(StepCreatePayment).
		End()
}
