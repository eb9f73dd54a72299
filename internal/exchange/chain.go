// chain.go provides the on-chain leg of the gateway: ground-truth conditional
// token balances (ERC-1155 balanceOf on the Conditional Tokens contract) and
// redemption of resolved conditions. The REST endpoints cover the same data
// but lag settlement; fill verification treats the chain as authoritative.
package exchange

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-rewards/internal/config"
)

const ctfABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"redeemPositions","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"collateralToken","type":"address"},
             {"name":"parentCollectionId","type":"bytes32"},
             {"name":"conditionId","type":"bytes32"},
             {"name":"indexSets","type":"uint256[]"}],
   "outputs":[]},
  {"name":"payoutDenominator","type":"function","stateMutability":"view",
   "inputs":[{"name":"conditionId","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const negRiskAdapterABI = `[
  {"name":"redeemPositions","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"conditionId","type":"bytes32"},
             {"name":"amounts","type":"uint256[]"}],
   "outputs":[]}
]`

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// Chain wraps the Polygon RPC connection and the contracts the bot touches.
type Chain struct {
	client  *ethclient.Client
	auth    *Auth
	ctf     common.Address
	usdc    common.Address
	adapter common.Address
	ctfAbi  abi.ABI
	nraAbi  abi.ABI
	ercAbi  abi.ABI
}

// NewChain dials the configured RPC endpoint. Returns nil without error when
// no endpoint is configured — the gateway then uses REST balances only.
func NewChain(cfg config.WalletConfig, auth *Auth) (*Chain, error) {
	if cfg.RPCURL == "" {
		return nil, nil
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	ctfAbi, err := abi.JSON(strings.NewReader(ctfABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	nraAbi, err := abi.JSON(strings.NewReader(negRiskAdapterABI))
	if err != nil {
		return nil, fmt.Errorf("parse adapter abi: %w", err)
	}
	ercAbi, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &Chain{
		client:  client,
		auth:    auth,
		ctf:     common.HexToAddress(cfg.CTFAddress),
		usdc:    common.HexToAddress(cfg.USDCAddress),
		adapter: common.HexToAddress(cfg.NegRiskAdapter),
		ctfAbi:  ctfAbi,
		nraAbi:  nraAbi,
		ercAbi:  ercAbi,
	}, nil
}

// ConditionalBalance returns the share count held for one token ID.
func (ch *Chain) ConditionalBalance(ctx context.Context, tokenID string) (float64, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return 0, fmt.Errorf("bad token id %q", tokenID)
	}

	raw, err := ch.callUint(ctx, ch.ctf, ch.ctfAbi, "balanceOf", ch.auth.FunderAddress(), id)
	if err != nil {
		return 0, fmt.Errorf("ctf balanceOf: %w", err)
	}
	return bigToShares(raw), nil
}

// CollateralBalance returns the funder wallet's USDC balance.
func (ch *Chain) CollateralBalance(ctx context.Context) (float64, error) {
	raw, err := ch.callUint(ctx, ch.usdc, ch.ercAbi, "balanceOf", ch.auth.FunderAddress())
	if err != nil {
		return 0, fmt.Errorf("usdc balanceOf: %w", err)
	}
	return bigToShares(raw), nil
}

// IsResolved reports whether a condition has a reported payout on-chain.
func (ch *Chain) IsResolved(ctx context.Context, conditionID string) (bool, error) {
	denom, err := ch.callUint(ctx, ch.ctf, ch.ctfAbi, "payoutDenominator", common.HexToHash(conditionID))
	if err != nil {
		return false, fmt.Errorf("payoutDenominator: %w", err)
	}
	return denom.Sign() > 0, nil
}

// Redeem burns winning conditional tokens for collateral. Returns the tx hash.
func (ch *Chain) Redeem(ctx context.Context, conditionID string, indexSets []uint64, negRisk bool) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(ch.auth.privateKey, ch.auth.chainID)
	if err != nil {
		return "", fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx

	var to common.Address
	var input []byte
	if negRisk {
		// The adapter redeems by amounts; full-balance redemption passes the
		// current holdings per index slot, which the adapter reads itself
		// when amounts are zero-length placeholders.
		amounts := make([]*big.Int, len(indexSets))
		for i := range amounts {
			amounts[i] = big.NewInt(0)
		}
		to = ch.adapter
		input, err = ch.nraAbi.Pack("redeemPositions", common.HexToHash(conditionID), amounts)
	} else {
		sets := make([]*big.Int, len(indexSets))
		for i, s := range indexSets {
			sets[i] = new(big.Int).SetUint64(s)
		}
		to = ch.ctf
		input, err = ch.ctfAbi.Pack("redeemPositions",
			ch.usdc, common.Hash{}, common.HexToHash(conditionID), sets)
	}
	if err != nil {
		return "", fmt.Errorf("pack redeem: %w", err)
	}

	tx, err := sendTx(ctx, ch.client, opts, to, input)
	if err != nil {
		return "", fmt.Errorf("send redeem: %w", err)
	}
	return tx, nil
}

func (ch *Chain) callUint(ctx context.Context, to common.Address, contractAbi abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	input, err := contractAbi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := ch.client.CallContract(ctx, callMsg(to, input), nil)
	if err != nil {
		return nil, err
	}

	results, err := contractAbi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	v, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, results[0])
	}
	return v, nil
}

// bigToShares converts a 6-decimal on-chain amount to a float share count.
func bigToShares(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e6)).Float64()
	return f
}
