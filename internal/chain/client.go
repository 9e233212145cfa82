// Package chain provides EVM blockchain interaction for the settlement layer:
// receipt and log queries, balance reads, gas estimation and signed
// transaction submission with confirmation waiting.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Config holds client configuration.
type Config struct {
	RPCURL         string
	ChainID        int64
	RequestTimeout time.Duration
	ConfirmPoll    time.Duration
	ConfirmTimeout time.Duration
	RateRPS        int
	RateBurst      int
}

// Client wraps an ethclient with per-call timeouts and a request rate limit.
type Client struct {
	eth            *ethclient.Client
	chainID        *big.Int
	limiter        *rate.Limiter
	requestTimeout time.Duration
	confirmPoll    time.Duration
	confirmTimeout time.Duration
}

// ErrTxNotFound is returned while a transaction or its receipt is not yet
// known to the provider. Transient; WaitMined retries through it.
var ErrTxNotFound = errors.New("chain: transaction not found")

// NewClient dials the RPC endpoint.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: RPC URL required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.RateRPS * 2
	}

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	return &Client{
		eth:            eth,
		chainID:        big.NewInt(cfg.ChainID),
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		requestTimeout: cfg.RequestTimeout,
		confirmPoll:    cfg.ConfirmPoll,
		confirmTimeout: cfg.ConfirmTimeout,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	return callCtx, cancel, nil
}

// Receipt returns the execution receipt for a transaction.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	receipt, err := c.eth.TransactionReceipt(callCtx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("chain: receipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// BlockTime returns the timestamp of the given block.
func (c *Client) BlockTime(ctx context.Context, blockNumber *big.Int) (time.Time, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer cancel()

	header, err := c.eth.HeaderByNumber(callCtx, blockNumber)
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %v: %w", blockNumber, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// HeadBlock returns the current block height.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	head, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return head, nil
}

// NativeBalance returns the native-currency balance of an address.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	balance, err := c.eth.BalanceAt(callCtx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance %s: %w", addr.Hex(), err)
	}
	return balance, nil
}

// FilterTransfers returns token Transfer events addressed to any of the
// recipients within [fromBlock, toBlock].
func (c *Client) FilterTransfers(ctx context.Context, token common.Address, recipients []common.Address, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	recipientTopics := make([]common.Hash, 0, len(recipients))
	for _, addr := range recipients {
		recipientTopics = append(recipientTopics, addressTopic(addr))
	}

	logs, err := c.eth.FilterLogs(callCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}, nil, recipientTopics},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	events := make([]TransferEvent, 0, len(logs))
	for _, lg := range logs {
		event, err := ParseTransferLog(lg)
		if err != nil {
			continue // not a canonical Transfer, skip
		}
		events = append(events, event)
	}
	return events, nil
}

// EstimateTokenTransferGas estimates gas for an ERC-20 transfer from the
// given sender.
func (c *Client) EstimateTokenTransferGas(ctx context.Context, token, from, to common.Address, amount *big.Int) (uint64, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	data, err := PackTransfer(to, amount)
	if err != nil {
		return 0, err
	}
	gas, err := c.eth.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas: %w", err)
	}
	return gas, nil
}

// SuggestGasPrice returns the provider's suggested gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	price, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	return price, nil
}

// SendNative signs and submits a plain value transfer.
func (c *Client) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountWei *big.Int) (common.Hash, error) {
	return c.send(ctx, key, &to, amountWei, nil, 21000)
}

// SendContractCall signs and submits a contract invocation with the given
// call data, estimating gas when gasLimit is zero.
func (c *Client) SendContractCall(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	return c.send(ctx, key, &contract, new(big.Int), data, gasLimit)
}

func (c *Client) send(ctx context.Context, key *ecdsa.PrivateKey, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	from := ethcrypto.PubkeyToAddress(key.PublicKey)

	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.eth.PendingNonceAt(callCtx, from)
	cancel()
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce %s: %w", from.Hex(), err)
	}

	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	if gasLimit == 0 {
		callCtx, cancel, err := c.call(ctx)
		if err != nil {
			return common.Hash{}, err
		}
		gasLimit, err = c.eth.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: to, Value: value, Data: data})
		cancel()
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}

	callCtx, cancel, err = c.call(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	defer cancel()
	if err := c.eth.SendTransaction(callCtx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w", err)
	}
	return signed.Hash(), nil
}

// WaitMined polls for a transaction receipt until it is available or the
// confirmation timeout expires. A mined receipt is returned regardless of
// its status; callers inspect receipt.Status to detect reverts.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(waitCtx, txHash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ErrTxNotFound):
			// keep polling
		default:
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("chain: tx %s not confirmed: %w", txHash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// NormalizeTxHash validates and canonicalizes a user-submitted transaction
// hash into 0x-prefixed lowercase hex.
func NormalizeTxHash(raw string) (common.Hash, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "0X") {
		s = "0x" + s[2:]
	}
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", raw)
	}
	for _, r := range s[2:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return common.Hash{}, fmt.Errorf("invalid transaction hash %q", raw)
		}
	}
	return common.HexToHash(s), nil
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
