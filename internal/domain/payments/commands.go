package payments

// Command payloads for the SimplePayment steps. The marker method makes them
// discoverable by the handler registry.

type BookLimitsCommand struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func (BookLimitsCommand) DomainCommand() {}

type ReverseLimitsCommand struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func (ReverseLimitsCommand) DomainCommand() {}

type BookFxCommand struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	TargetCcy  string  `json:"targetCcy"`
	RequiresFx bool    `json:"requiresFx"`
}

func (BookFxCommand) DomainCommand() {}

type UnwindFxCommand struct {
	FxDealID string `json:"fxDealId"`
}

func (UnwindFxCommand) DomainCommand() {}

type ValidateBalanceCommand struct {
	Account string  `json:"account"`
	Amount  float64 `json:"amount"`
}

func (ValidateBalanceCommand) DomainCommand() {}

type ValidateRiskCommand struct {
	Account string  `json:"account"`
	Amount  float64 `json:"amount"`
}

func (ValidateRiskCommand) DomainCommand() {}

type CreateTransactionCommand struct {
	Account  string  `json:"account"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	FxDealID string  `json:"fxDealId,omitempty"`
}

func (CreateTransactionCommand) DomainCommand() {}

type CreatePaymentCommand struct {
	TransactionID string `json:"transactionId"`
}

func (CreatePaymentCommand) DomainCommand() {}
