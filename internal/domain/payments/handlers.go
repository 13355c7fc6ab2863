package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

// Handlers executes the SimplePayment step commands. Side effects here are
// illustrative; real deployments register their own components.
type Handlers struct {
	log *logger.Logger
}

// NewHandlers creates the payment step handlers.
func NewHandlers(log *logger.Logger) *Handlers {
	return &Handlers{log: log}
}

func (h *Handlers) HandleBookLimits(ctx context.Context, cmd BookLimitsCommand) (map[string]interface{}, error) {
	if cmd.Amount < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	h.log.Info("Limits booked", zap.Float64("amount", cmd.Amount))
	return map[string]interface{}{
		"limitReservationId": uuid.New().String(),
	}, nil
}

func (h *Handlers) HandleReverseLimits(ctx context.Context, cmd ReverseLimitsCommand) (map[string]interface{}, error) {
	h.log.Info("Limits reversed", zap.Float64("amount", cmd.Amount))
	return map[string]interface{}{}, nil
}

func (h *Handlers) HandleBookFx(ctx context.Context, cmd BookFxCommand) (map[string]interface{}, error) {
	if !cmd.RequiresFx {
		return map[string]interface{}{"fxDealId": ""}, nil
	}
	h.log.Info("FX deal booked", zap.String("target_ccy", cmd.TargetCcy))
	return map[string]interface{}{
		"fxDealId": uuid.New().String(),
		"fxRate":   1.0865,
	}, nil
}

func (h *Handlers) HandleUnwindFx(ctx context.Context, cmd UnwindFxCommand) (map[string]interface{}, error) {
	h.log.Info("FX deal unwound", zap.String("fx_deal_id", cmd.FxDealID))
	return map[string]interface{}{}, nil
}

func (h *Handlers) HandleValidateBalance(ctx context.Context, cmd ValidateBalanceCommand) (map[string]interface{}, error) {
	return map[string]interface{}{"balanceOk": true}, nil
}

func (h *Handlers) HandleValidateRisk(ctx context.Context, cmd ValidateRiskCommand) (map[string]interface{}, error) {
	return map[string]interface{}{"riskOk": true}, nil
}

func (h *Handlers) HandleCreateTransaction(ctx context.Context, cmd CreateTransactionCommand) (map[string]interface{}, error) {
	if cmd.Account == "" {
		return nil, fmt.Errorf("account is required")
	}
	return map[string]interface{}{
		"transactionId": uuid.New().String(),
	}, nil
}

func (h *Handlers) HandleCreatePayment(ctx context.Context, cmd CreatePaymentCommand) (map[string]interface{}, error) {
	if cmd.TransactionID == "" {
		return nil, fmt.Errorf("transactionId is required")
	}
	return map[string]interface{}{
		"paymentId": uuid.New().String(),
	}, nil
}
