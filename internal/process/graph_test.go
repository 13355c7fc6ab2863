package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/process"
)

func TestSequentialGraph(t *testing.T) {
	g, err := process.NewBuilder("Onboarding").
		StartWith("CreateAccount").WithCompensation("DeleteAccount").
		Then("SendWelcome").
		End().
		Build()
	require.NoError(t, err)

	assert.Equal(t, "CreateAccount", g.InitialStep())

	next, ok := g.NextStep("CreateAccount", nil)
	require.True(t, ok)
	assert.Equal(t, "SendWelcome", next)

	_, ok = g.NextStep("SendWelcome", nil)
	assert.False(t, ok, "terminal step has no successor")

	assert.True(t, g.RequiresCompensation("CreateAccount"))
	assert.Equal(t, "DeleteAccount", g.CompensationStep("CreateAccount"))
	assert.False(t, g.RequiresCompensation("SendWelcome"))
}

func TestConditionalGraph(t *testing.T) {
	requiresReview := func(data map[string]interface{}) bool {
		v, _ := data["review"].(bool)
		return v
	}

	g, err := process.NewBuilder("Approval").
		StartWith("Submit").
		ThenIf(requiresReview).WhenTrue("ManualReview").WhenFalse("AutoApprove").
		Then("Notify").
		End().
		Build()
	require.NoError(t, err)

	next, ok := g.NextStep("Submit", map[string]interface{}{"review": true})
	require.True(t, ok)
	assert.Equal(t, "ManualReview", next)

	next, ok = g.NextStep("Submit", map[string]interface{}{"review": false})
	require.True(t, ok)
	assert.Equal(t, "AutoApprove", next)

	// Both arms converge on the next sequential step.
	for _, arm := range []string{"ManualReview", "AutoApprove"} {
		next, ok = g.NextStep(arm, nil)
		require.True(t, ok, arm)
		assert.Equal(t, "Notify", next)
	}
}

func TestConditionalWithoutFalseArmSkips(t *testing.T) {
	pred := func(data map[string]interface{}) bool {
		v, _ := data["extra"].(bool)
		return v
	}

	g, err := process.NewBuilder("Skippy").
		StartWith("A").
		ThenIf(pred).WhenTrue("B").
		Then("C").
		End().
		Build()
	require.NoError(t, err)

	// Predicate false skips straight to the next sequential step.
	next, ok := g.NextStep("A", map[string]interface{}{"extra": false})
	require.True(t, ok)
	assert.Equal(t, "C", next)

	next, ok = g.NextStep("A", map[string]interface{}{"extra": true})
	require.True(t, ok)
	assert.Equal(t, "B", next)
}

func TestParallelGraph(t *testing.T) {
	g, err := process.NewBuilder("Fan").
		StartWith("Prep").
		ThenParallel().
		Branch("Left").WithCompensation("UndoLeft").
		Branch("Right").
		JoinAt("Join").
		Then("Finish").
		End().
		Build()
	require.NoError(t, err)

	fan, ok := g.NextStep("Prep", nil)
	require.True(t, ok)
	assert.True(t, g.IsParallel(fan))
	assert.Equal(t, []string{"Left", "Right"}, g.ParallelBranches(fan))
	assert.Equal(t, "Join", g.JoinStep(fan))

	assert.False(t, g.IsParallel("Prep"))
	assert.True(t, g.RequiresCompensation("Left"))
	assert.Equal(t, "UndoLeft", g.CompensationStep("Left"))

	next, ok := g.NextStep("Join", nil)
	require.True(t, ok)
	assert.Equal(t, "Finish", next)
}

func TestBuilderRejectsDuplicateStep(t *testing.T) {
	_, err := process.NewBuilder("Dup").
		StartWith("A").
		Then("A").
		End().
		Build()
	assert.Error(t, err)
}

func TestBuilderRequiresEnd(t *testing.T) {
	_, err := process.NewBuilder("NoEnd").
		StartWith("A").
		Build()
	assert.Error(t, err)
}

func TestBuilderRejectsEmpty(t *testing.T) {
	_, err := process.NewBuilder("Empty").End().Build()
	assert.Error(t, err)
}

func TestSimplePaymentGraphShape(t *testing.T) {
	g, err := process.NewBuilder("SimplePayment").
		StartWith("BookLimits").WithCompensation("ReverseLimits").
		ThenParallel().
		Branch("BookFx").WithCompensation("UnwindFx").
		Branch("ValidateBalance").
		Branch("ValidateRisk").
		JoinAt("CreateTransaction").
		Then("CreatePayment").
		End().
		Build()
	require.NoError(t, err)

	fan, ok := g.NextStep("BookLimits", nil)
	require.True(t, ok)
	assert.Equal(t, []string{"BookFx", "ValidateBalance", "ValidateRisk"}, g.ParallelBranches(fan))
	assert.Equal(t, "CreateTransaction", g.JoinStep(fan))

	next, _ := g.NextStep("CreateTransaction", nil)
	assert.Equal(t, "CreatePayment", next)
	_, ok = g.NextStep("CreatePayment", nil)
	assert.False(t, ok)
}
