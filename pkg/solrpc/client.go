// Package solrpc is a read-only Solana RPC client: no signing, sending, or
// Jito submission surface is exposed, since this repository only ever
// reads account state to refresh bonding-curve and AMM-pool truth (see
// pkg/accounts).
package solrpc

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// Client wraps *rpc.Client behind a request-rate limiter.
type Client struct {
	rpcClient   *rpc.Client
	rateLimiter *RateLimiter
}

// New constructs a Client against endpoint, rate-limited to
// requestsPerSecond.
func New(endpoint string, requestsPerSecond int) *Client {
	return &Client{
		rpcClient:   rpc.New(endpoint),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// GetAccountInfoWithOpts fetches one account at the processed commitment
// level, rate-limited.
func (c *Client) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	opts := &rpc.GetAccountInfoOpts{Commitment: rpc.CommitmentProcessed}
	return c.rpcClient.GetAccountInfoWithOpts(ctx, account, opts)
}

// GetMultipleAccountsWithOpts fetches several accounts in one request,
// rate-limited. pkg/reconciler batches bonding-curve account lookups
// through this method to keep reconciliation RPC-cheap.
func (c *Client) GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey) (*rpc.GetMultipleAccountsResult, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	opts := &rpc.GetMultipleAccountsOpts{Commitment: rpc.CommitmentProcessed}
	return c.rpcClient.GetMultipleAccountsWithOpts(ctx, accounts, opts)
}

// GetProgramAccountsWithOpts lists every account owned by programID
// matching opts, rate-limited. Used for a cold-start backfill of all
// bonding-curve accounts under a program.
func (c *Client) GetProgramAccountsWithOpts(ctx context.Context, programID solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rpcClient.GetProgramAccountsWithOpts(ctx, programID, opts)
}

// RateLimiter throttles outbound RPC calls.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter allowing requestsPerSecond steady
// state with a burst of the same size.
func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)}
}

// Wait blocks until the limiter admits one request or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Allow reports whether a request may proceed immediately.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// SetRate updates the steady-state rate and burst together.
func (rl *RateLimiter) SetRate(requestsPerSecond int) {
	rl.limiter.SetLimit(rate.Limit(requestsPerSecond))
	rl.limiter.SetBurst(requestsPerSecond)
}
