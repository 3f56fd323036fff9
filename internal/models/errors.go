package models

import "errors"

var (
	ErrProductNotFound              = errors.New("product not found")
	ErrInsufficientStock            = errors.New("insufficient stock")
	ErrInsufficientBalance          = errors.New("insufficient balance")
	ErrIntentNotFound               = errors.New("payment intent not found")
	ErrIntentAlreadyTerminal        = errors.New("payment intent already terminal")
	ErrTransactionProcessed         = errors.New("transaction already processed")
	ErrTransactionNotFound          = errors.New("transaction not processed")
	ErrGatewayUnavailable           = errors.New("payment gateway unavailable")
	ErrAllocationFailedAfterPayment = errors.New("allocation failed after payment")
	ErrInvalidQuantity              = errors.New("invalid quantity")
	ErrInvalidAmount                = errors.New("invalid amount")
	ErrInvalidCurrency              = errors.New("invalid currency")
	ErrRequestInProgress            = errors.New("request with this idempotency key is in progress")
)
