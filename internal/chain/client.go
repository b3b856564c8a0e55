// Package chain backs the ledger's external collaborators with an
// Ethereum node: the ERC-20 custody vault and the price-feed quote
// source.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the node surface the client needs. *ethclient.Client
// implements it, as does the go-ethereum simulated backend's client.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	bind.DeployBackend
}

// Client wraps a node connection plus the custody key used to sign
// outbound transactions.
type Client struct {
	eth     Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	custody common.Address
}

// Dial connects to the node over RPC. An empty custody key yields a
// read-only client: calls work, transactions fail.
func Dial(rpcURL, custodyKeyHex string, chainID int64) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewClient(eth, custodyKeyHex, chainID)
}

// NewClient builds a client on an existing backend.
func NewClient(eth Backend, custodyKeyHex string, chainID int64) (*Client, error) {
	c := &Client{eth: eth, chainID: big.NewInt(chainID)}
	if custodyKeyHex != "" {
		key, err := crypto.HexToECDSA(custodyKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse custody key: %w", err)
		}
		c.key = key
		c.custody = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Custody returns the address holding the ledger's funds.
func (c *Client) Custody() common.Address { return c.custody }

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return c.chainID }

// call performs a read-only contract call against the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// transact signs and submits a state-changing call and waits for the
// receipt. A reverted transaction is an error.
func (c *Client) transact(ctx context.Context, to common.Address, data []byte) error {
	if c.key == nil {
		return fmt.Errorf("no custody key configured")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.custody)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      120_000,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("tx reverted: %s", signed.Hash().Hex())
	}
	return nil
}
