// Package chain registers and verifies user ids with an on-chain registry
// contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registryABI is the subset of the registry contract this service calls.
const registryABI = `[
	{"type":"function","name":"registerUser","stateMutability":"nonpayable",
	 "inputs":[{"name":"uid","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isUserRegistered","stateMutability":"view",
	 "inputs":[{"name":"uid","type":"string"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	// ErrNotConfigured is returned when no RPC endpoint, contract or signing key is set.
	ErrNotConfigured = errors.New("chain not configured")
	// ErrReverted is returned when a registration transaction was mined but failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrPending is returned when a transaction is still unmined after the receipt timeout.
	ErrPending = errors.New("transaction not mined")
)

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		panic(fmt.Sprintf("parse registry ABI: %v", err))
	}
	return parsed
}

// Backend is the node connection. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config holds the registry contract settings.
type Config struct {
	RPCURL         string
	Contract       string
	PrivateKey     string        // Hex secp256k1 key that signs registration transactions
	ReceiptTimeout time.Duration // How long Register waits for the transaction to be mined
}

// Client talks to the registry contract. A zero-configured client reports
// ErrNotConfigured from every call.
type Client struct {
	backend        Backend
	contract       *bind.BoundContract
	key            *ecdsa.PrivateKey
	logger         *slog.Logger
	receiptTimeout time.Duration
}

// Dial connects to cfg.RPCURL. Without an RPC URL or contract address the
// returned client is unconfigured.
func Dial(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.RPCURL == "" || cfg.Contract == "" {
		return &Client{logger: logger}, nil
	}
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return New(ec, cfg, logger)
}

// New creates a client on an existing backend.
func New(backend Backend, cfg *Config, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}

	c := &Client{
		backend:        backend,
		logger:         logger,
		receiptTimeout: cfg.ReceiptTimeout,
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 2 * time.Minute
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse chain private key: %w", err)
		}
		c.key = key
	}
	c.contract = bind.NewBoundContract(common.HexToAddress(cfg.Contract), parsedABI, backend, backend, backend)
	return c, nil
}

// Configured reports whether the client has a backend and contract.
func (c *Client) Configured() bool {
	return c.contract != nil
}

// Verify reports whether uid is registered on-chain.
func (c *Client) Verify(ctx context.Context, uid string) (bool, error) {
	if !c.Configured() {
		return false, ErrNotConfigured
	}

	var registered bool
	err := retry.Do(
		func() error {
			var out []any
			if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isUserRegistered", uid); err != nil {
				return err
			}
			if len(out) != 1 {
				return retry.Unrecoverable(fmt.Errorf("isUserRegistered returned %d values", len(out)))
			}
			v, ok := out[0].(bool)
			if !ok {
				return retry.Unrecoverable(fmt.Errorf("isUserRegistered returned %T", out[0]))
			}
			registered = v
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying chain call after error", "attempt", n, "method", "isUserRegistered", "error", err)
		}),
	)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", uid, err)
	}
	return registered, nil
}

// Register signs and submits a registration transaction for uid, then waits
// until it is mined. It returns the transaction hash, also on a revert or
// timeout once the transaction has been sent.
func (c *Client) Register(ctx context.Context, uid string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if c.key == nil {
		return "", fmt.Errorf("%w: no signing key", ErrNotConfigured)
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("read chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return "", fmt.Errorf("create transactor: %w", err)
	}
	opts.Context = ctx

	// Not retried; a resend after an ambiguous failure could reuse the nonce.
	tx, err := c.contract.Transact(opts, "registerUser", uid)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", uid, err)
	}
	txHash := tx.Hash().Hex()
	c.logger.Info("Registration transaction submitted", "uid", uid, "tx_hash", txHash, "from", opts.From.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return txHash, fmt.Errorf("%w: %s", ErrPending, txHash)
		}
		return txHash, fmt.Errorf("wait for %s: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return txHash, fmt.Errorf("%w: %s", ErrReverted, txHash)
	}

	c.logger.Info("Registration transaction mined", "uid", uid, "tx_hash", txHash, "block", receipt.BlockNumber)
	return txHash, nil
}
