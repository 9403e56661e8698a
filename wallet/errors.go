package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrMintNotSupported   = errors.New("mint does not support the required operations")
	ErrQuoteNotFound      = errors.New("quote not found")
	ErrQuoteNotPaid       = errors.New("quote has not been paid")
	ErrQuoteInUse         = errors.New("quote is already being processed by another operation")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrUnknownSpendingCondition = errors.New("cannot satisfy spending condition on proof")

	// PaymentPending and PaymentUnknown are not failures: the saga stays
	// alive and the melt quote has to be polled to a decision.
	ErrPaymentPending = errors.New("payment is pending")
	ErrPaymentUnknown = errors.New("payment result unknown, check melt quote")
	ErrPaymentFailed  = errors.New("payment failed")

	ErrNothingToRestore = errors.New("nothing to restore")
)

// InsufficientFundsError reports how short the wallet is for the
// requested operation.
type InsufficientFundsError struct {
	Need uint64
	Have uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v but only have %v", e.Need, e.Have)
}
