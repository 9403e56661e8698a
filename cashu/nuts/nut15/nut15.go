// Package nut15 contains structs as defined in [NUT-15]
//
// [NUT-15]: https://github.com/cashubtc/nuts/blob/main/15.md
package nut15

// MppOption pins the partial amount (in msat) a mint is asked to
// contribute to a multi-path payment.
type MppOption struct {
	Amount uint64 `json:"amount"`
}

type Setting struct {
	Methods []MppMethod `json:"methods"`
}

type MppMethod struct {
	Method string `json:"method"`
	Unit   string `json:"unit"`
}
