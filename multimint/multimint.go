// Package multimint coordinates wallets across independent mints: it
// aggregates balances, moves value between mints through paired
// mint/melt quotes, and drives multi-path payments where several mints
// each pay a partial amount of one invoice.
package multimint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/wallet"
	"github.com/elnosh/cashew/wallet/storage"
)

var (
	ErrMintNotRegistered = errors.New("mint is not registered")
	ErrUntrustedMint     = errors.New("token is from an untrusted mint")
	ErrMppNotEnabled     = errors.New("amount exceeds any single mint balance and MPP is not enabled")
)

// WalletKey identifies a per-mint wallet in the registry.
type WalletKey struct {
	MintURL string
	Unit    cashu.Unit
}

// MultiMintWallet owns one wallet per (mint, unit). All wallets share
// the same store and seed; there are no back-references from wallets to
// the coordinator.
type MultiMintWallet struct {
	mu      sync.RWMutex
	wallets map[WalletKey]*wallet.Wallet

	db     storage.WalletDB
	unit   cashu.Unit
	logger *slog.Logger
}

type Config struct {
	WalletPath string
	Unit       cashu.Unit
	// DB overrides the default bolt store at WalletPath.
	DB     storage.WalletDB
	Logger *slog.Logger
}

func New(config Config) (*MultiMintWallet, error) {
	db := config.DB
	if db == nil {
		var err error
		db, err = wallet.InitStorage(config.WalletPath)
		if err != nil {
			return nil, err
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &MultiMintWallet{
		wallets: make(map[WalletKey]*wallet.Wallet),
		db:      db,
		unit:    config.Unit,
		logger:  logger,
	}, nil
}

// AddMint registers a mint and loads a wallet for it. Adding an already
// registered mint returns the existing wallet.
func (m *MultiMintWallet) AddMint(mintURL string) (*wallet.Wallet, error) {
	mintURL = strings.TrimSuffix(mintURL, "/")
	key := WalletKey{MintURL: mintURL, Unit: m.unit}

	m.mu.RLock()
	if w, ok := m.wallets[key]; ok {
		m.mu.RUnlock()
		return w, nil
	}
	m.mu.RUnlock()

	w, err := wallet.LoadWallet(wallet.Config{
		MintURL: mintURL,
		Unit:    m.unit,
		DB:      m.db,
		Logger:  m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not load wallet for mint '%v': %v", mintURL, err)
	}

	m.mu.Lock()
	m.wallets[key] = w
	m.mu.Unlock()

	return w, nil
}

func (m *MultiMintWallet) GetWallet(mintURL string) (*wallet.Wallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[WalletKey{MintURL: strings.TrimSuffix(mintURL, "/"), Unit: m.unit}]
	return w, ok
}

func (m *MultiMintWallet) Wallets() []*wallet.Wallet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wallets := make([]*wallet.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		wallets = append(wallets, w)
	}
	return wallets
}

// GetBalances aggregates unspent balances across all registered wallets.
func (m *MultiMintWallet) GetBalances() map[WalletKey]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balances := make(map[WalletKey]uint64, len(m.wallets))
	for key, w := range m.wallets {
		balances[key] = w.Balance()
	}
	return balances
}

func (m *MultiMintWallet) TotalBalance() uint64 {
	var total uint64
	for _, balance := range m.GetBalances() {
		total += balance
	}
	return total
}

type SendOptions struct {
	wallet.SendOptions
	// AllowTransfer permits topping up the sending mint from donor
	// mints when it is short.
	AllowTransfer bool
	// donor constraints, both optional
	AllowedMints  []string
	ExcludedMints []string
}

// PrepareSend prepares a send from the named mint, first transferring
// value in from donor mints (largest balance first) if allowed and the
// mint is short.
func (m *MultiMintWallet) PrepareSend(mintURL string, amount uint64, options SendOptions) (*wallet.PreparedSend, error) {
	w, ok := m.GetWallet(mintURL)
	if !ok {
		return nil, ErrMintNotRegistered
	}

	if w.Balance() < amount && options.AllowTransfer {
		if err := m.topUp(w, amount, options); err != nil {
			return nil, err
		}
	}

	return w.PrepareSend(amount, options.SendOptions)
}

// topUp transfers from donor mints until the target wallet can cover
// the amount. Donors are drained largest balance first.
func (m *MultiMintWallet) topUp(target *wallet.Wallet, amount uint64, options SendOptions) error {
	allowed := func(mintURL string) bool {
		if mintURL == target.MintURL() {
			return false
		}
		for _, excluded := range options.ExcludedMints {
			if strings.TrimSuffix(excluded, "/") == mintURL {
				return false
			}
		}
		if len(options.AllowedMints) == 0 {
			return true
		}
		for _, allowedMint := range options.AllowedMints {
			if strings.TrimSuffix(allowedMint, "/") == mintURL {
				return true
			}
		}
		return false
	}

	for target.Balance() < amount {
		donors := m.walletsByBalanceDesc()
		var donor *wallet.Wallet
		for _, candidate := range donors {
			if allowed(candidate.MintURL()) && candidate.Balance() > 0 {
				donor = candidate
				break
			}
		}
		if donor == nil {
			return &wallet.InsufficientFundsError{Need: amount, Have: target.Balance()}
		}

		missing := amount - target.Balance()
		mode := TransferMode{Kind: TransferExactReceive, Amount: missing}
		if donor.Balance() <= missing {
			mode = TransferMode{Kind: TransferFullBalance}
		}
		if _, err := m.Transfer(donor.MintURL(), target.MintURL(), mode); err != nil {
			return fmt.Errorf("transfer from '%v' failed: %w", donor.MintURL(), err)
		}
	}
	return nil
}

func (m *MultiMintWallet) walletsByBalanceDesc() []*wallet.Wallet {
	wallets := m.Wallets()
	sort.SliceStable(wallets, func(i, j int) bool {
		return wallets[i].Balance() > wallets[j].Balance()
	})
	return wallets
}

type ReceiveOptions struct {
	wallet.ReceiveOptions
	// AllowUntrusted registers the token's mint if unknown.
	AllowUntrusted bool
	// TransferToMint forwards the received amount to a preferred mint
	// after redeeming at the token's mint.
	TransferToMint string
}

// Receive redeems a serialized token at its issuing mint.
func (m *MultiMintWallet) Receive(tokenString string, options ReceiveOptions) (uint64, error) {
	token, err := cashu.DecodeToken(tokenString)
	if err != nil {
		return 0, err
	}

	mintURL := strings.TrimSuffix(token.Mint(), "/")
	w, ok := m.GetWallet(mintURL)
	if !ok {
		if !options.AllowUntrusted {
			return 0, ErrUntrustedMint
		}
		w, err = m.AddMint(mintURL)
		if err != nil {
			return 0, err
		}
	}

	amount, err := w.Receive(token, options.ReceiveOptions)
	if err != nil {
		return 0, err
	}

	if options.TransferToMint != "" && strings.TrimSuffix(options.TransferToMint, "/") != mintURL {
		result, err := m.Transfer(mintURL, options.TransferToMint,
			TransferMode{Kind: TransferFullBalance})
		if err != nil {
			// the value is safe at the receiving mint; the transfer
			// failure is only logged and the received amount returned
			m.logger.Error("received but could not transfer onward",
				slog.String("error", err.Error()))
			return amount, nil
		}
		return result.AmountReceived, nil
	}

	return amount, nil
}
