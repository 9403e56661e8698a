// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"

	"github.com/elnosh/cashew/cashu"
)

type State int

const (
	Unpaid State = iota
	Paid
	Pending
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Pending:
		return "PENDING"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "PENDING":
		return Pending
	case "ISSUED":
		return Issued
	}
	return Unknown
}

type PostMintQuoteBolt11Request struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
	Pubkey      string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	Expiry  uint64 `json:"expiry"`
	Amount  uint64 `json:"amount,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Pubkey  string `json:"pubkey,omitempty"`
}

type temporaryQuoteResponse struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
	Expiry  uint64 `json:"expiry"`
	Amount  uint64 `json:"amount,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Pubkey  string `json:"pubkey,omitempty"`
}

func (quoteResponse *PostMintQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	var temp = temporaryQuoteResponse{
		Quote:   quoteResponse.Quote,
		Request: quoteResponse.Request,
		State:   quoteResponse.State.String(),
		Expiry:  quoteResponse.Expiry,
		Amount:  quoteResponse.Amount,
		Unit:    quoteResponse.Unit,
		Pubkey:  quoteResponse.Pubkey,
	}
	return json.Marshal(temp)
}

func (quoteResponse *PostMintQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var temp temporaryQuoteResponse
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	quoteResponse.Quote = temp.Quote
	quoteResponse.Request = temp.Request
	quoteResponse.State = StringToState(temp.State)
	quoteResponse.Expiry = temp.Expiry
	quoteResponse.Amount = temp.Amount
	quoteResponse.Unit = temp.Unit
	quoteResponse.Pubkey = temp.Pubkey

	return nil
}

type PostMintBolt11Request struct {
	Quote     string                `json:"quote"`
	Outputs   cashu.BlindedMessages `json:"outputs"`
	Signature string                `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
