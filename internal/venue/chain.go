package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Base mainnet contracts.
const (
	USDCAddress              = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	ConditionalTokensAddress = "0xC9c98965297Bc527861c898329Ee280632B76e18"
)

const erc20ABI = `[{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

const conditionalTokensABI = `[
	{"name":"splitPosition","type":"function","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"mergePositions","type":"function","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"redeemPositions","type":"function","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"outputs":[]}
]`

// binaryPartition covers both outcome slots of a binary condition.
var binaryPartition = []*big.Int{big.NewInt(1), big.NewInt(2)}

const receiptPollInterval = 2 * time.Second

// Tx is a submitted transaction handle. Wait blocks for the receipt.
type Tx struct {
	Hash      common.Hash
	Simulated bool

	eth *ethclient.Client
}

// Wait polls for the receipt until mined or ctx expires. A reverted
// transaction is an OnChainError.
func (t *Tx) Wait(ctx context.Context) error {
	if t.Simulated {
		return nil
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.eth.TransactionReceipt(ctx, t.Hash)
		if err == nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return &OnChainError{Op: "wait", Err: fmt.Errorf("tx %s reverted", t.Hash.Hex())}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return &OnChainError{Op: "wait", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Chain sends on-chain transactions for one account: USDC approvals and
// ConditionalTokens split/merge/redeem. Every broadcast is gated on the
// real-transaction sentinel; when it is off, methods log the intent and
// return a simulated Tx whose Wait succeeds immediately.
type Chain struct {
	eth     *ethclient.Client
	signer  *Signer
	confirm bool
	logger  *slog.Logger

	erc20 abi.ABI
	ctf   abi.ABI
}

// NewChain dials the RPC endpoint. With the sentinel off the URL may be
// empty; no connection is made and all calls are simulated.
func NewChain(rpcURL string, signer *Signer, confirm bool, logger *slog.Logger) (*Chain, error) {
	c := &Chain{
		signer:  signer,
		confirm: confirm,
		logger:  logger.With("component", "chain", "wallet", signer.Address().Hex()),
	}

	var err error
	if c.erc20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if c.ctf, err = abi.JSON(strings.NewReader(conditionalTokensABI)); err != nil {
		return nil, fmt.Errorf("parse conditional tokens abi: %w", err)
	}

	if confirm {
		if rpcURL == "" {
			return nil, fmt.Errorf("real transactions enabled but no RPC URL configured")
		}
		if c.eth, err = ethclient.Dial(rpcURL); err != nil {
			return nil, &OnChainError{Op: "dial", Err: err}
		}
	}

	return c, nil
}

// Approve grants a spender an allowance on USDC.
func (c *Chain) Approve(ctx context.Context, spender string, amount *big.Int) (*Tx, error) {
	data, err := c.erc20.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, &OnChainError{Op: "approve", Err: err}
	}
	return c.send(ctx, "approve", common.HexToAddress(USDCAddress), data)
}

// SplitPosition converts `amount` USDC into equal YES and NO token sets.
func (c *Chain) SplitPosition(ctx context.Context, conditionID string, amount *big.Int) (*Tx, error) {
	data, err := c.ctf.Pack("splitPosition",
		common.HexToAddress(USDCAddress),
		common.Hash{},
		common.HexToHash(conditionID),
		binaryPartition,
		amount,
	)
	if err != nil {
		return nil, &OnChainError{Op: "split", Err: err}
	}
	return c.send(ctx, "split", common.HexToAddress(ConditionalTokensAddress), data)
}

// MergePositions is the inverse of SplitPosition: burns equal YES and NO
// sets back into `amount` USDC.
func (c *Chain) MergePositions(ctx context.Context, conditionID string, amount *big.Int) (*Tx, error) {
	data, err := c.ctf.Pack("mergePositions",
		common.HexToAddress(USDCAddress),
		common.Hash{},
		common.HexToHash(conditionID),
		binaryPartition,
		amount,
	)
	if err != nil {
		return nil, &OnChainError{Op: "merge", Err: err}
	}
	return c.send(ctx, "merge", common.HexToAddress(ConditionalTokensAddress), data)
}

// ClaimPosition redeems a resolved condition's outcome tokens for USDC.
func (c *Chain) ClaimPosition(ctx context.Context, conditionID string) (*Tx, error) {
	data, err := c.ctf.Pack("redeemPositions",
		common.HexToAddress(USDCAddress),
		common.Hash{},
		common.HexToHash(conditionID),
		binaryPartition,
	)
	if err != nil {
		return nil, &OnChainError{Op: "claim", Err: err}
	}
	return c.send(ctx, "claim", common.HexToAddress(ConditionalTokensAddress), data)
}

// send signs and broadcasts a transaction, or simulates it when the
// sentinel is off.
func (c *Chain) send(ctx context.Context, op string, to common.Address, data []byte) (*Tx, error) {
	if !c.confirm {
		c.logger.Warn("DRY-RUN: would send transaction", "op", op, "to", to.Hex())
		return &Tx{Simulated: true}, nil
	}

	from := c.signer.Address()
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &OnChainError{Op: op, Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &OnChainError{Op: op, Err: fmt.Errorf("gas price: %w", err)}
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, &OnChainError{Op: op, Err: fmt.Errorf("estimate gas: %w", err)}
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.signer.ChainID()), c.signer.PrivateKey())
	if err != nil {
		return nil, &OnChainError{Op: op, Err: fmt.Errorf("sign: %w", err)}
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &OnChainError{Op: op, Err: fmt.Errorf("send: %w", err)}
	}

	c.logger.Info("transaction sent", "op", op, "tx", signed.Hash().Hex())
	return &Tx{Hash: signed.Hash(), eth: c.eth}, nil
}
