package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/adboard/settlement/internal/reconcile"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

const (
	txBatchSize = 100
	// How many transaction pages to walk back when looking for a transfer.
	// Escrow addresses are per-deal so their history is short.
	txScanPages = 3
)

type Options struct {
	Network        string // mainnet/testnet
	LiteServerHost string
	LiteServerPort int
	LiteServerKey  string
	WalletSeed     []string
}

// Client talks to the TON network: inbound transfer detection for escrow
// addresses, outbound transfers from the custodial wallet, and transaction
// existence checks.
type Client struct {
	api    ton.APIClientWrapped
	master *wallet.Wallet
	log    *zap.Logger
}

func NewClient(ctx context.Context, opts Options, log *zap.Logger) (*Client, error) {
	api, err := connect(ctx, opts, log)
	if err != nil {
		return nil, err
	}

	c := &Client{api: api, log: log}
	if len(opts.WalletSeed) > 0 {
		w, err := wallet.FromSeed(api, opts.WalletSeed, wallet.V4R2)
		if err != nil {
			return nil, fmt.Errorf("init custodial wallet: %w", err)
		}
		c.master = w
	}
	return c, nil
}

// connect establishes a liteclient connection, either to an explicit lite
// server or via the public global config for the chosen network.
func connect(ctx context.Context, opts Options, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if opts.LiteServerHost != "" && opts.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", opts.LiteServerHost, opts.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, opts.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.ToLower(opts.Network) == "mainnet" {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", opts.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.ToLower(opts.Network) == "mainnet" {
		proofPolicy = ton.ProofCheckPolicySecure
	}

	return ton.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

// EscrowAddress derives the per-deal escrow address as a subwallet of the
// custodial wallet. The derivation is stable: the same deal always maps to
// the same address.
func (c *Client) EscrowAddress(dealID uuid.UUID) (string, error) {
	if c.master == nil {
		return "", fmt.Errorf("custodial wallet not configured")
	}
	sub, err := c.master.GetSubwallet(escrowSubwalletID(dealID))
	if err != nil {
		return "", fmt.Errorf("derive escrow subwallet: %w", err)
	}
	return sub.WalletAddress().String(), nil
}

func escrowSubwalletID(dealID uuid.UUID) uint32 {
	return binary.BigEndian.Uint32(dealID[:4]) ^ binary.BigEndian.Uint32(dealID[12:])
}

// FindInboundTransfer scans recent transactions of address for a
// non-bounced inbound transfer of at least amount. Returns nil when none
// has arrived yet.
func (c *Client) FindInboundTransfer(ctx context.Context, addr string, amount decimal.Decimal) (*reconcile.Transfer, error) {
	dst, err := address.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow address %q: %w", addr, err)
	}

	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := c.api.GetAccount(ctx, block, dst)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || account.LastTxLT == 0 {
		// Address never received anything.
		return nil, nil
	}

	expectedNano := amount.Shift(9).BigInt()

	lt := account.LastTxLT
	hash := account.LastTxHash
	for page := 0; page < txScanPages; page++ {
		txs, err := c.api.ListTransactions(ctx, dst, txBatchSize, lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		for i := len(txs) - 1; i >= 0; i-- {
			if t := matchInbound(txs[i], expectedNano); t != nil {
				return t, nil
			}
		}

		oldest := txs[0]
		if len(txs) < txBatchSize || oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}
	return nil, nil
}

func matchInbound(tx *tlb.Transaction, expectedNano *big.Int) *reconcile.Transfer {
	if tx.IO.In == nil {
		return nil
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return nil
	}
	received := inMsg.Amount.Nano()
	if received.Sign() <= 0 || received.Cmp(expectedNano) < 0 {
		return nil
	}
	return &reconcile.Transfer{
		Hash:   hex.EncodeToString(tx.Hash),
		From:   inMsg.SrcAddr.String(),
		Amount: decimal.NewFromBigInt(received, -9),
		At:     time.Unix(int64(tx.Now), 0).UTC(),
	}
}

// SubmitTransfer sends amount to the destination with a text memo and
// waits for the transaction to be accepted. Outbound transfers are funded
// from the custodial wallet; from is the escrow address the funds are
// accounted against.
func (c *Client) SubmitTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (string, error) {
	if c.master == nil {
		return "", fmt.Errorf("custodial wallet not configured")
	}
	dst, err := address.ParseAddr(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %q: %w", to, err)
	}
	coins, err := tlb.FromTON(amount.String())
	if err != nil {
		return "", fmt.Errorf("invalid transfer amount %s: %w", amount, err)
	}

	msg, err := c.master.BuildTransfer(dst, coins, false, memo)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}
	tx, _, err := c.master.SendWaitTransaction(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	txHash := hex.EncodeToString(tx.Hash)
	c.log.Info("ledger transfer submitted",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("amount_ton", amount.String()),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// TransactionExists reports whether a transaction with the given hash is
// visible in the recent history of address.
func (c *Client) TransactionExists(ctx context.Context, txHash, addr string) (bool, error) {
	acc, err := address.ParseAddr(addr)
	if err != nil {
		return false, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	want, err := hex.DecodeString(txHash)
	if err != nil {
		return false, fmt.Errorf("invalid tx hash %q: %w", txHash, err)
	}

	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("get master block: %w", err)
	}
	account, err := c.api.GetAccount(ctx, block, acc)
	if err != nil {
		return false, fmt.Errorf("get account: %w", err)
	}
	if account == nil || account.LastTxLT == 0 {
		return false, nil
	}

	lt := account.LastTxLT
	hash := account.LastTxHash
	for page := 0; page < txScanPages; page++ {
		txs, err := c.api.ListTransactions(ctx, acc, txBatchSize, lt, hash)
		if err != nil {
			return false, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}
		for _, tx := range txs {
			if hex.EncodeToString(tx.Hash) == hex.EncodeToString(want) {
				return true, nil
			}
		}
		oldest := txs[0]
		if len(txs) < txBatchSize || oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}
	return false, nil
}
