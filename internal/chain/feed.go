package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorABI = `[
	{"type":"function","name":"latestRoundData","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view"},
	{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"}
]`

// FeedSource reads the token price from a Chainlink-style aggregator.
// Decimals are fixed per feed, so they are cached after the first
// successful read; a failed read is retried on the next quote. The
// price itself is re-read every time.
type FeedSource struct {
	c    *Client
	feed common.Address
	abi  abi.ABI

	mu       sync.Mutex
	decimals uint8
	haveDec  bool
}

func NewFeedSource(c *Client, feed common.Address) (*FeedSource, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	return &FeedSource{c: c, feed: feed, abi: parsed}, nil
}

func (f *FeedSource) Quote(ctx context.Context) (*big.Int, uint8, error) {
	decimals, err := f.dec(ctx)
	if err != nil {
		return nil, 0, err
	}

	data, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return nil, 0, fmt.Errorf("pack latestRoundData: %w", err)
	}
	raw, err := f.c.call(ctx, f.feed, data)
	if err != nil {
		return nil, 0, fmt.Errorf("latestRoundData: %w", err)
	}
	out, err := f.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return nil, 0, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected answer type %T", out[1])
	}
	return answer, decimals, nil
}

// dec returns the cached decimals, reading them on first use.
func (f *FeedSource) dec(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.haveDec {
		return f.decimals, nil
	}
	d, err := f.readDecimals(ctx)
	if err != nil {
		return 0, err
	}
	f.decimals = d
	f.haveDec = true
	return d, nil
}

func (f *FeedSource) readDecimals(ctx context.Context) (uint8, error) {
	data, err := f.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	raw, err := f.c.call(ctx, f.feed, data)
	if err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	out, err := f.abi.Unpack("decimals", raw)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	return d, nil
}
