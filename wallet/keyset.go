package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/elnosh/cashew/crypto"
	"github.com/elnosh/cashew/wallet/storage"
)

// loadKeysets fetches the mint's keysets, verifies the active keyset id
// against the keys, and reconciles them with what the wallet has stored.
func (w *Wallet) loadKeysets() error {
	keysetsResponse, err := w.client.GetAllKeysets()
	if err != nil {
		return fmt.Errorf("error getting keysets from mint: %v", err)
	}

	storedKeysets := w.db.GetMintKeysets(w.mintURL)
	stored := make(map[string]crypto.WalletKeyset, len(storedKeysets))
	for _, keyset := range storedKeysets {
		stored[keyset.Id] = keyset
	}

	foundActive := false
	for _, keysetRes := range keysetsResponse.Keysets {
		// ignore keysets with non-hex ids
		if _, err := hex.DecodeString(keysetRes.Id); err != nil {
			continue
		}
		if keysetRes.Unit != w.unit.String() {
			continue
		}

		keyset, ok := stored[keysetRes.Id]
		if !ok {
			keyset = crypto.WalletKeyset{
				Id:          keysetRes.Id,
				MintURL:     w.mintURL,
				Unit:        keysetRes.Unit,
				FinalExpiry: keysetRes.FinalExpiry,
			}
		}
		keyset.Active = keysetRes.Active
		keyset.InputFeePpk = keysetRes.InputFeePpk

		if keysetRes.Active && !foundActive {
			if keyset.PublicKeys == nil {
				keys, err := w.fetchKeysetKeys(keysetRes.Id)
				if err != nil {
					return err
				}
				keyset.PublicKeys = keys
			}
			w.activeKeyset = keyset
			foundActive = true
		} else {
			w.inactiveKeysets[keyset.Id] = keyset
		}

		if err := w.db.SaveKeyset(&keyset); err != nil {
			return err
		}
	}

	if !foundActive {
		return errors.New("could not find an active keyset for the unit")
	}

	return nil
}

// fetchKeysetKeys gets the keys for a keyset and checks the id the mint
// advertises actually derives from them.
func (w *Wallet) fetchKeysetKeys(id string) (crypto.PublicKeys, error) {
	keysetsResponse, err := w.client.GetKeysetById(id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %v", err)
	}
	if len(keysetsResponse.Keysets) == 0 {
		return nil, errors.New("mint returned no keyset")
	}

	keys := keysetsResponse.Keysets[0].Keys
	derivedId := crypto.DeriveKeysetId(keys)
	if id != derivedId {
		return nil, fmt.Errorf("got invalid keyset. derived id: '%v' but got '%v' from mint", derivedId, id)
	}

	return keys, nil
}

// getActiveKeyset re-reads the mint's keysets and rotates the wallet's
// active keyset if the mint rotated it.
func (w *Wallet) getActiveKeyset() (*crypto.WalletKeyset, error) {
	keysets, err := w.client.GetAllKeysets()
	if err != nil {
		// keep operating against the known active keyset if the
		// refresh fails
		if w.activeKeyset.Id != "" {
			active := w.activeKeyset
			return &active, nil
		}
		return nil, err
	}

	for _, keysetRes := range keysets.Keysets {
		if !keysetRes.Active || keysetRes.Unit != w.unit.String() {
			continue
		}
		if _, err := hex.DecodeString(keysetRes.Id); err != nil {
			continue
		}

		if keysetRes.Id == w.activeKeyset.Id {
			// input fee can change without the keyset rotating
			if keysetRes.InputFeePpk != w.activeKeyset.InputFeePpk {
				w.activeKeyset.InputFeePpk = keysetRes.InputFeePpk
				if err := w.db.SaveKeyset(&w.activeKeyset); err != nil {
					return nil, err
				}
			}
			active := w.activeKeyset
			return &active, nil
		}

		// keyset rotated: inactivate previous, adopt new
		previous := w.activeKeyset
		previous.Active = false
		w.inactiveKeysets[previous.Id] = previous
		if err := w.db.SaveKeyset(&previous); err != nil {
			return nil, err
		}

		keys, err := w.fetchKeysetKeys(keysetRes.Id)
		if err != nil {
			return nil, err
		}
		newActive := crypto.WalletKeyset{
			Id:          keysetRes.Id,
			MintURL:     w.mintURL,
			Unit:        keysetRes.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: keysetRes.InputFeePpk,
			FinalExpiry: keysetRes.FinalExpiry,
			Counter:     w.db.GetKeysetCounter(keysetRes.Id),
		}
		if stored := w.db.GetKeyset(keysetRes.Id); stored == nil {
			if err := w.db.SaveKeyset(&newActive); err != nil {
				return nil, err
			}
		}
		delete(w.inactiveKeysets, newActive.Id)
		w.activeKeyset = newActive

		active := w.activeKeyset
		return &active, nil
	}

	return nil, errors.New("could not find an active keyset for the unit")
}

// keysetById resolves a keyset the wallet knows about, fetching its keys
// if they were never loaded.
func (w *Wallet) keysetById(id string) (*crypto.WalletKeyset, error) {
	if w.activeKeyset.Id == id {
		keyset := w.activeKeyset
		return &keyset, nil
	}
	if keyset, ok := w.inactiveKeysets[id]; ok {
		if keyset.PublicKeys == nil {
			keys, err := w.fetchKeysetKeys(id)
			if err != nil {
				return nil, err
			}
			keyset.PublicKeys = keys
			w.inactiveKeysets[id] = keyset
			if err := w.db.SaveKeyset(&keyset); err != nil {
				return nil, err
			}
		}
		return &keyset, nil
	}
	if keyset := w.db.GetKeyset(id); keyset != nil {
		return keyset, nil
	}
	return nil, storage.ErrKeysetNotFound
}
