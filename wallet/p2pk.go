package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// GetReceivePubkey returns the public key to which ecash can be locked
// for this wallet to redeem.
func (w *Wallet) GetReceivePubkey() (*btcec.PublicKey, error) {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return key.PubKey(), nil
}

// DeriveP2PK derives the key the wallet uses to receive locked ecash
func DeriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	// m/129372'
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'
	first, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'/0
	extKey, err := first.Derive(0)
	if err != nil {
		return nil, err
	}

	pk, err := extKey.ECPrivKey()
	if err != nil {
		return nil, err
	}

	return pk, nil
}
