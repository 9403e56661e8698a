package client

import (
	"errors"
	"fmt"

	"github.com/elnosh/cashew/cashu"
)

// Errors the saga engines discriminate on. Transport errors never imply a
// server-side decision; every other error here is a decision the mint made.
var (
	ErrUnknownQuote       = errors.New("unknown quote")
	ErrQuoteExpired       = errors.New("quote has expired")
	ErrQuotePending       = errors.New("quote is pending")
	ErrInvoiceAlreadyPaid = errors.New("invoice already paid")
	ErrInsufficientFunds  = errors.New("insufficient funds for transaction")
	ErrKeysetUnknown      = errors.New("mint does not know keyset")
	ErrProofAlreadySpent  = errors.New("proof already spent")
	ErrQuoteNotPaid       = errors.New("quote has not been paid")
	ErrQuoteAlreadyIssued = errors.New("quote was already issued")
)

// TransportError wraps a network-level failure: a timeout, refused
// connection or undecodable response. Callers treat it as "consult the
// mint", never as an outcome.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether the error leaves the server-side result
// unknown.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// ProtocolError is a mint response that decoded into a cashu error the
// client has no dedicated sentinel for.
type ProtocolError struct {
	Err cashu.Error
}

func (e *ProtocolError) Error() string {
	return e.Err.Error()
}

// mapCashuError translates a mint error response into the client taxonomy.
func mapCashuError(cashuErr cashu.Error) error {
	switch cashuErr.Code {
	case cashu.MeltQuoteErrCode:
		return ErrUnknownQuote
	case cashu.QuoteExpiredErrCode:
		return ErrQuoteExpired
	case cashu.MeltQuotePendingErrCode:
		return ErrQuotePending
	case cashu.MeltQuoteAlreadyPaidErrCode:
		return ErrInvoiceAlreadyPaid
	case cashu.InsufficientProofAmountErrCode:
		return ErrInsufficientFunds
	case cashu.UnknownKeysetErrCode, cashu.InactiveKeysetErrCode:
		return ErrKeysetUnknown
	case cashu.ProofAlreadyUsedErrCode:
		return ErrProofAlreadySpent
	case cashu.MintQuoteRequestNotPaidErrCode:
		return ErrQuoteNotPaid
	case cashu.MintQuoteAlreadyIssuedErrCode:
		return ErrQuoteAlreadyIssued
	}
	return &ProtocolError{Err: cashuErr}
}
