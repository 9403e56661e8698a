package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut10"
	"github.com/elnosh/cashew/wallet"
	"github.com/joho/godotenv"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{WalletPath: path, MintURL: "http://127.0.0.1:3338", Unit: cashu.Sat}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		if err := godotenv.Load(envPath); err == nil {
			if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
				config.MintURL = mintURL
			}
		}
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".cashew", "wallet")
	if err = os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()

	var err error
	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			p2pkLockCmd,
			transactionsCmd,
			mnemonicCmd,
			restoreCmd,
			decodeCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		printErr(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	fmt.Printf("%v %v\n", nutw.Balance(), nutw.Unit())
	if pending := nutw.PendingBalance(); pending > 0 {
		fmt.Printf("pending: %v %v\n", pending, nutw.Unit())
	}
	return nil
}

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request mint quote. It will return a payment request from the mint",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "quote",
			Usage: "claim ecash for a paid mint quote",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	// a quote id was passed, claim the ecash
	if quoteId := ctx.String("quote"); len(quoteId) > 0 {
		minted, err := nutw.MintTokens(quoteId)
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v %v minted\n", minted, nutw.Unit())
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := nutw.RequestMint(amount, "")
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.PaymentRequest)
	fmt.Println("after paying the invoice you can redeem the ecash using the --quote flag")
	fmt.Printf("quote id: %v\n", quote.QuoteId)
	return nil
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Generates token to be sent for the specified amount",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "lock",
			Usage: "public key to which lock the ecash",
		},
		&cli.BoolFlag{
			Name:  "legacy",
			Usage: "emit a cashuA token",
		},
		&cli.BoolFlag{
			Name:  "include-dleq",
			Usage: "include DLEQ proofs in the token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	options := wallet.SendOptions{
		TokenV3:     ctx.Bool("legacy"),
		IncludeDLEQ: ctx.Bool("include-dleq"),
	}
	if lockpubkey := ctx.String("lock"); len(lockpubkey) > 0 {
		if _, err := hex.DecodeString(lockpubkey); err != nil {
			printErr(errors.New("invalid public key for lock"))
		}
		options.Condition = &nut10.SpendingCondition{
			Kind: nut10.P2PK,
			Data: lockpubkey,
		}
	}

	token, err := nutw.Send(amount, options)
	if err != nil {
		printErr(err)
	}
	fmt.Println(token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Receive token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a cashu token to receive"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	received, err := nutw.Receive(token, wallet.ReceiveOptions{})
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v %v received\n", received, nutw.Unit())
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[INVOICE]",
	Before:    setupWallet,
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	invoice := args.First()

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		printErr(fmt.Errorf("invalid invoice: %v", err))
	}

	quote, err := nutw.RequestMeltQuote(invoice, 0)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("paying %v %v (+ %v fee reserve) to %v\n",
		quote.Amount, nutw.Unit(), quote.FeeReserve, bolt11.PaymentHash)

	melted, err := nutw.Melt(quote.QuoteId)
	if err != nil {
		if errors.Is(err, wallet.ErrPaymentPending) || errors.Is(err, wallet.ErrPaymentUnknown) {
			fmt.Printf("payment is in flight. check it later with quote id: %v\n", quote.QuoteId)
			return nil
		}
		printErr(err)
	}
	fmt.Printf("invoice paid. preimage: %v\n", melted.Preimage)
	return nil
}

var p2pkLockCmd = &cli.Command{
	Name:   "p2pk-lock",
	Usage:  "Shows public key to which ecash can be locked",
	Before: setupWallet,
	Action: p2pkLock,
}

func p2pkLock(ctx *cli.Context) error {
	lockpubkey, err := nutw.GetReceivePubkey()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("'%v'\n", hex.EncodeToString(lockpubkey.SerializeCompressed()))
	fmt.Println("ecash can be locked to this public key")
	return nil
}

var transactionsCmd = &cli.Command{
	Name:   "transactions",
	Usage:  "List wallet transactions",
	Before: setupWallet,
	Action: transactions,
}

func transactions(ctx *cli.Context) error {
	for _, txn := range nutw.Transactions() {
		timestamp := time.Unix(txn.Timestamp, 0).Format(time.DateTime)
		fmt.Printf("%v  %v  %v %v (fee %v)\n",
			timestamp, txn.Direction, txn.Amount, txn.Unit, txn.Fee)
	}
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Mnemonic to restore wallet",
	Before: setupWallet,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	fmt.Println(nutw.Mnemonic())
	return nil
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Restore wallet from mnemonic",
	ArgsUsage: "[MNEMONIC]",
	Action:    restore,
}

func restore(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mnemonic to restore"))
	}

	config := walletConfig()
	restored, err := wallet.Restore(config.WalletPath, args.First(), []string{config.MintURL})
	if err != nil {
		printErr(fmt.Errorf("error restoring wallet: %v", err))
	}

	fmt.Printf("restored %v %v\n", restored, cashu.Sat)
	return nil
}

var decodeCmd = &cli.Command{
	Name:      "decode",
	Usage:     "Decode token",
	ArgsUsage: "[TOKEN]",
	Action:    decode,
}

func decode(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a token to decode"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	jsonToken, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		printErr(err)
	}
	fmt.Printf("mint: %v\n", token.Mint())
	fmt.Printf("amount: %v\n", token.Amount())
	fmt.Println(string(jsonToken))
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
