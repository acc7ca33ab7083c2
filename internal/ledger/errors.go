package ledger

import (
	"errors"
)

var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrAmountOverflow          = errors.New("amount overflow")
	ErrReleaseImbalance        = errors.New("payout and refund do not sum to total paid")
	ErrCommissionExceedsPayout = errors.New("commission exceeds payout")
	ErrUnknownUser             = errors.New("unknown user")
	ErrWithdrawNotPending      = errors.New("withdrawal is not pending approval")
)
