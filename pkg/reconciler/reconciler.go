// Package reconciler periodically re-derives bonding-curve progress and the
// graduated transition directly from on-chain account state — the
// account-truth counterpart to the trade-event-derived path in
// pkg/lifecycle. A missed or reordered trade event can never desync
// TokenState.LatestBondingCurveProgress for long: this reader is the authoritative
// backstop, decoding accounts through pkg/accounts' gagliardetto/binary
// struct decoder.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/solgrad/ingestor/pkg/accounts"
	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/lifecycle"
	"github.com/solgrad/ingestor/pkg/metrics"
	"github.com/solgrad/ingestor/pkg/price"
	"github.com/solgrad/ingestor/pkg/registry"
	"github.com/solgrad/ingestor/pkg/solrpc"
)

// maxAccountsPerRequest is the Solana getMultipleAccounts batch limit.
const maxAccountsPerRequest = 100

// Config controls poll cadence and the program backfilled at startup.
type Config struct {
	PollInterval        time.Duration
	BondingCurveProgram string
}

// Reconciler drives Handler.HandleGraduation and
// Handler.RefreshBondingCurveProgress from on-chain bonding-curve account
// reads.
type Reconciler struct {
	cfg       Config
	rpc       *solrpc.Client
	registry  *registry.Registry
	lifecycle *lifecycle.Handler
	clock     clock.Clock
	metrics   *metrics.Registry
	logger    *zap.Logger
}

// New constructs a Reconciler.
func New(cfg Config, rpcClient *solrpc.Client, reg *registry.Registry, handler *lifecycle.Handler, clk clock.Clock, m *metrics.Registry, logger *zap.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, rpc: rpcClient, registry: reg, lifecycle: handler, clock: clk, metrics: m, logger: logger}
}

// Backfill counts outstanding bonding-curve accounts on-chain at startup. A
// raw program account has no mint attached (that mapping is only ever
// learned from a create event), so this logs an operational signal rather
// than registering anything for per-mint reconciliation.
func (r *Reconciler) Backfill(ctx context.Context) error {
	programID, err := solana.PublicKeyFromBase58(r.cfg.BondingCurveProgram)
	if err != nil {
		return fmt.Errorf("reconciler: bonding curve program: %w", err)
	}
	result, err := r.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
		Filters: []rpc.RPCFilter{
			{DataSize: uint64(accounts.BondingCurveAccountSize)},
		},
	})
	if err != nil {
		return fmt.Errorf("reconciler: backfill: %w", err)
	}
	r.logger.Info("bonding curve backfill complete", zap.Int("accounts_found", len(result)))
	return nil
}

// Run polls every known bonding-curve account on cfg.PollInterval until ctx
// is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	known := r.registry.BondingCurveAccounts()
	if len(known) == 0 {
		return
	}
	r.metrics.BondingCurvesTracked.Set(float64(len(known)))

	accountList := make([]string, 0, len(known))
	for account := range known {
		accountList = append(accountList, account)
	}

	for start := 0; start < len(accountList); start += maxAccountsPerRequest {
		end := start + maxAccountsPerRequest
		if end > len(accountList) {
			end = len(accountList)
		}
		r.reconcileChunk(ctx, accountList[start:end], known)
	}
}

// reconcileChunk fetches and decodes one batch of bonding-curve accounts.
// getMultipleAccounts preserves request order, with a nil entry for any
// account that no longer exists, so result.Value[i] always corresponds to
// requested[i], the i-th account of chunk that parsed as a public key.
func (r *Reconciler) reconcileChunk(ctx context.Context, chunk []string, known map[string]string) {
	pubkeys := make([]solana.PublicKey, 0, len(chunk))
	requested := make([]string, 0, len(chunk))
	for _, account := range chunk {
		pk, err := solana.PublicKeyFromBase58(account)
		if err != nil {
			r.metrics.AccountReconcileErrors.Inc()
			continue
		}
		pubkeys = append(pubkeys, pk)
		requested = append(requested, account)
	}

	result, err := r.rpc.GetMultipleAccountsWithOpts(ctx, pubkeys)
	if err != nil {
		r.metrics.AccountReconcileErrors.Inc()
		r.logger.Warn("reconcile: fetch accounts", zap.Error(err))
		return
	}

	for i, acct := range result.Value {
		if acct == nil || i >= len(requested) {
			continue
		}
		mint := known[requested[i]]
		bc, err := accounts.DecodeBondingCurve(acct.Data.GetBinary())
		if err != nil {
			r.metrics.AccountReconcileErrors.Inc()
			continue
		}

		progress := price.BondingCurveProgress(bc.RealSolReserves)
		if bc.Complete {
			if err := r.lifecycle.HandleGraduation(ctx, mint, progress); err != nil {
				r.metrics.AccountReconcileErrors.Inc()
				r.logger.Warn("reconcile: handle graduation", zap.String("mint", mint), zap.Error(err))
			}
			continue
		}
		if err := r.lifecycle.RefreshBondingCurveProgress(ctx, mint, progress); err != nil {
			r.metrics.AccountReconcileErrors.Inc()
			r.logger.Warn("reconcile: refresh progress", zap.String("mint", mint), zap.Error(err))
		}
	}
}
