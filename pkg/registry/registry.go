// Package registry resolves the mint address behind a bonding-curve
// account or an AMM pool address. Bonding-curve mints are learned for free
// from the classifier's create events; pool mints are not on the
// classified AMM event at all (its positional indices only name
// pool/vault/user accounts), so a pool seen for the first time is
// resolved by fetching and decoding its account over RPC, then cached so
// every subsequent trade on that pool is a local lookup.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/solgrad/ingestor/pkg/accounts"
	"github.com/solgrad/ingestor/pkg/cache"
	"github.com/solgrad/ingestor/pkg/solrpc"
)

// ResolveError wraps a failed pool-account fetch or decode.
type ResolveError struct {
	Pool string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("registry: resolve pool %s: %v", e.Pool, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Registry maps bonding-curve and AMM-pool accounts to mint addresses.
type Registry struct {
	rpc   *solrpc.Client
	cache *cache.Cache // may be nil: falls back to in-memory-only caching

	mu                 sync.RWMutex
	bondingCurveToMint map[string]string
	poolToMint         map[string]string
}

// New constructs a Registry. c may be nil, in which case resolved pool
// mints are cached in-process only and not shared across restarts.
func New(rpcClient *solrpc.Client, c *cache.Cache) *Registry {
	return &Registry{
		rpc:                rpcClient,
		cache:              c,
		bondingCurveToMint: make(map[string]string),
		poolToMint:         make(map[string]string),
	}
}

// RegisterBondingCurve records the mint behind a bonding-curve account, as
// observed directly on its create event.
func (r *Registry) RegisterBondingCurve(bondingCurveAccount, mint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bondingCurveToMint[bondingCurveAccount] = mint
}

// MintForBondingCurve returns the mint registered for a bonding-curve
// account, if known.
func (r *Registry) MintForBondingCurve(bondingCurveAccount string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mint, ok := r.bondingCurveToMint[bondingCurveAccount]
	return mint, ok
}

// BondingCurveAccounts returns a snapshot of every bonding-curve
// account-to-mint mapping registered so far, for the account-truth
// reconciler to poll.
func (r *Registry) BondingCurveAccounts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.bondingCurveToMint))
	for k, v := range r.bondingCurveToMint {
		out[k] = v
	}
	return out
}

// RegisterPool records a known pool-to-mint mapping directly, e.g. at
// graduation time when the bonding curve's mint is already known.
func (r *Registry) RegisterPool(pool, mint string) {
	r.mu.Lock()
	r.poolToMint[pool] = mint
	r.mu.Unlock()
}

// MintForPool returns the mint behind pool, resolving it over RPC and
// caching the result if it has not been seen before.
func (r *Registry) MintForPool(ctx context.Context, pool string) (string, error) {
	r.mu.RLock()
	mint, ok := r.poolToMint[pool]
	r.mu.RUnlock()
	if ok {
		return mint, nil
	}

	if r.cache != nil {
		if cached, hit, err := r.cache.Get(ctx, poolCacheKey(pool)); err == nil && hit {
			mint := string(cached)
			r.RegisterPool(pool, mint)
			return mint, nil
		}
	}

	pk, err := solana.PublicKeyFromBase58(pool)
	if err != nil {
		return "", &ResolveError{Pool: pool, Err: err}
	}
	result, err := r.rpc.GetAccountInfoWithOpts(ctx, pk)
	if err != nil {
		return "", &ResolveError{Pool: pool, Err: err}
	}
	if result == nil || result.Value == nil {
		return "", &ResolveError{Pool: pool, Err: fmt.Errorf("account not found")}
	}

	decoded, err := accounts.DecodePool(result.Value.Data.GetBinary())
	if err != nil {
		return "", &ResolveError{Pool: pool, Err: err}
	}

	mint = decoded.BaseMint
	r.RegisterPool(pool, mint)
	if r.cache != nil {
		_ = r.cache.Set(ctx, poolCacheKey(pool), []byte(mint))
	}
	return mint, nil
}

func poolCacheKey(pool string) string {
	return "pool_mint:" + pool
}
