package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"}
]`

// Vault moves the billing token between participant wallets and the
// custody address. TransferIn relies on a prior ERC-20 approval of the
// custody address by the participant.
type Vault struct {
	c     *Client
	token common.Address
	abi   abi.ABI
}

func NewVault(c *Client, token common.Address) (*Vault, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Vault{c: c, token: token, abi: parsed}, nil
}

func (v *Vault) TransferIn(ctx context.Context, from common.Address, amount uint64) error {
	data, err := v.abi.Pack("transferFrom", from, v.c.custody, new(big.Int).SetUint64(amount))
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	if err := v.c.transact(ctx, v.token, data); err != nil {
		return fmt.Errorf("transfer in from %s: %w", from.Hex(), err)
	}
	return nil
}

func (v *Vault) TransferOut(ctx context.Context, to common.Address, amount uint64) error {
	data, err := v.abi.Pack("transfer", to, new(big.Int).SetUint64(amount))
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	if err := v.c.transact(ctx, v.token, data); err != nil {
		return fmt.Errorf("transfer out to %s: %w", to.Hex(), err)
	}
	return nil
}
