package exchange

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

func callMsg(to common.Address, input []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: input}
}

// sendTx assembles, signs, and broadcasts a legacy transaction carrying the
// packed call, returning its hash. Gas is estimated with a 20% headroom so
// redemption doesn't fail on estimator variance.
func sendTx(ctx context.Context, client *ethclient.Client, opts *bind.TransactOpts, to common.Address, input []byte) (string, error) {
	nonce, err := client.PendingNonceAt(ctx, opts.From)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: opts.From,
		To:   &to,
		Data: input,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit += gasLimit / 5

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})

	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return signed.Hash().Hex(), nil
}
