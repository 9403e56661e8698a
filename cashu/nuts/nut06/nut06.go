// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"

	"github.com/elnosh/cashew/cashu/nuts/nut15"
	"github.com/elnosh/cashew/cashu/nuts/nut17"
)

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	IconURL         string        `json:"icon_url,omitempty"`
	URLs            []string      `json:"urls,omitempty"`
	Time            int64         `json:"time,omitempty"`
	TosURL          string        `json:"tos_url,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// custom unmarshal to ignore contact field if on old format
func (mi *MintInfo) UnmarshalJSON(data []byte) error {
	var tempInfo struct {
		Name            string          `json:"name"`
		Pubkey          string          `json:"pubkey"`
		Version         string          `json:"version"`
		Description     string          `json:"description"`
		LongDescription string          `json:"description_long,omitempty"`
		Contact         json.RawMessage `json:"contact,omitempty"`
		Motd            string          `json:"motd,omitempty"`
		IconURL         string          `json:"icon_url,omitempty"`
		URLs            []string        `json:"urls,omitempty"`
		Time            int64           `json:"time,omitempty"`
		TosURL          string          `json:"tos_url,omitempty"`
		Nuts            Nuts            `json:"nuts"`
	}

	if err := json.Unmarshal(data, &tempInfo); err != nil {
		return err
	}

	mi.Name = tempInfo.Name
	mi.Pubkey = tempInfo.Pubkey
	mi.Version = tempInfo.Version
	mi.Description = tempInfo.Description
	mi.LongDescription = tempInfo.LongDescription
	mi.Motd = tempInfo.Motd
	mi.IconURL = tempInfo.IconURL
	mi.URLs = tempInfo.URLs
	mi.Time = tempInfo.Time
	mi.TosURL = tempInfo.TosURL
	mi.Nuts = tempInfo.Nuts
	json.Unmarshal(tempInfo.Contact, &mi.Contact)

	return nil
}

type Nuts struct {
	Nut04 NutSetting     `json:"4"`
	Nut05 NutSetting     `json:"5"`
	Nut07 Supported      `json:"7"`
	Nut08 Supported      `json:"8"`
	Nut09 Supported      `json:"9"`
	Nut10 Supported      `json:"10"`
	Nut11 Supported      `json:"11"`
	Nut12 Supported      `json:"12"`
	Nut14 Supported      `json:"14"`
	Nut15 *nut15.Setting `json:"15,omitempty"`
	Nut17 *nut17.Setting `json:"17,omitempty"`
	Nut20 Supported      `json:"20"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method      string `json:"method"`
	Unit        string `json:"unit"`
	MinAmount   uint64 `json:"min_amount,omitempty"`
	MaxAmount   uint64 `json:"max_amount,omitempty"`
	Description bool   `json:"description,omitempty"`
}
