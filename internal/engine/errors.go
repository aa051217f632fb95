package engine

import (
	"errors"
	"fmt"

	"autotrader/internal/domain"
)

// Error kinds. Every error returned by the engine wraps one of these so
// callers can classify it with errors.Is.
var (
	// ErrValidation: a candidate failed pre-submission checks; no trade exists.
	ErrValidation = errors.New("validation error")
	// ErrExecution: the gateway rejected an entry or exit.
	ErrExecution = errors.New("execution error")
	// ErrDataUnavailable: a quote could not be retrieved.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrRiskLimitExceeded: the daily loss ceiling has been breached.
	ErrRiskLimitExceeded = errors.New("daily risk limit exceeded")
)

// Validation details.
var (
	ErrInvalidStop      = fmt.Errorf("%w: invalid stop", ErrValidation)
	ErrRiskExceedsLimit = fmt.Errorf("%w: one share risks more than max_risk_per_trade", ErrValidation)
	ErrDuplicateSymbol  = fmt.Errorf("%w: symbol already has an active trade", ErrValidation)
	ErrMaxOpenPositions = fmt.Errorf("%w: max open positions reached", ErrValidation)
	ErrRiskRewardTooLow = fmt.Errorf("%w: risk/reward below minimum", ErrValidation)
	ErrSetupRejected    = fmt.Errorf("%w: rejected by setup handler", ErrValidation)
)

// ErrTradeNotFound is returned by operator commands for unknown IDs.
var ErrTradeNotFound = errors.New("trade not found")

// ErrInvalidTransition is returned when an operator command does not apply
// to the trade's current status.
var ErrInvalidTransition = domain.ErrInvalidTransition
