package payments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/domain/payments"
	"github.com/flowmesh/flowmesh/internal/process"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

func TestSimplePaymentGraphBuilds(t *testing.T) {
	g, err := payments.SimplePayment{}.Define(process.NewBuilder("SimplePayment")).Build()
	require.NoError(t, err)
	assert.Equal(t, payments.StepBookLimits, g.InitialStep())
}

func TestHandlersAreDiscoverable(t *testing.T) {
	reg := registry.New(logger.NewTestLogger())
	require.NoError(t, reg.Discover(payments.NewHandlers(logger.NewTestLogger())))

	for _, name := range []string{
		payments.StepBookLimits, payments.StepReverseLimits,
		payments.StepBookFx, payments.StepUnwindFx,
		payments.StepValidateBalance, payments.StepValidateRisk,
		payments.StepCreateTransaction, payments.StepCreatePayment,
	} {
		_, err := reg.Resolve(name)
		assert.NoError(t, err, name)
	}
}

func TestBookLimitsRejectsNegativeAmount(t *testing.T) {
	h := payments.NewHandlers(logger.NewTestLogger())
	_, err := h.HandleBookLimits(context.Background(), payments.BookLimitsCommand{Amount: -1})
	assert.Error(t, err)
}

func TestCreateTransactionRequiresAccount(t *testing.T) {
	h := payments.NewHandlers(logger.NewTestLogger())
	_, err := h.HandleCreateTransaction(context.Background(), payments.CreateTransactionCommand{})
	assert.Error(t, err)

	result, err := h.HandleCreateTransaction(context.Background(), payments.CreateTransactionCommand{Account: "ACC-1", Amount: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, result["transactionId"])
}
