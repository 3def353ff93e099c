// Package classifier walks the instructions of a confirmed transaction,
// decides whether it touches a watched program, and emits zero or more
// typed events. It never aborts the pipeline on a decode error — recovered
// events are emitted, and failures are logged and counted by the caller.
package classifier

import (
	"strings"

	"github.com/solgrad/ingestor/pkg/anchor"
	"github.com/solgrad/ingestor/pkg/codec"
	"github.com/solgrad/ingestor/pkg/events"
	"github.com/solgrad/ingestor/pkg/feed"
)

// InstructionKind names an instruction matched against the fixed
// discriminator table.
type InstructionKind string

const (
	KindCreate     InstructionKind = "create"
	KindBuy        InstructionKind = "buy"
	KindSell       InstructionKind = "sell"
	KindDeposit    InstructionKind = "deposit"
	KindWithdraw   InstructionKind = "withdraw"
	KindCollectFee InstructionKind = "collect_fee"
	KindUnknown    InstructionKind = "unknown"
)

// anchorNamespace is the Anchor IDL namespace every discriminator in the
// fixed table is computed under (see pkg/anchor.GetDiscriminator), matching
// the Anchor IDL convention for building swap-instruction discriminators.
const anchorNamespace = "global"

var discriminatorTable = buildDiscriminatorTable()

func buildDiscriminatorTable() map[[8]byte]InstructionKind {
	table := make(map[[8]byte]InstructionKind)
	for kind, name := range map[InstructionKind]string{
		KindCreate:     "create",
		KindBuy:        "buy",
		KindSell:       "sell",
		KindDeposit:    "deposit",
		KindWithdraw:   "withdraw",
		KindCollectFee: "collect_fee",
	} {
		disc := anchor.GetDiscriminator(anchorNamespace, name)
		var key [8]byte
		copy(key[:], disc)
		table[key] = kind
	}
	return table
}

// MatchInstructionKind matches the leading 8 bytes of data against the
// fixed discriminator table. A mismatch maps to KindUnknown and contributes
// nothing to classification.
func MatchInstructionKind(data []byte) InstructionKind {
	if len(data) < codec.DiscriminatorSize {
		return KindUnknown
	}
	var key [8]byte
	copy(key[:], data[:8])
	if kind, ok := discriminatorTable[key]; ok {
		return kind
	}
	return KindUnknown
}

// EventKind names the typed event the classifier can emit.
type EventKind string

const (
	EventBcTrade     EventKind = "bc_trade"
	EventBcCreate    EventKind = "bc_create"
	EventAmmTrade    EventKind = "amm_trade"
	EventAmmDeposit  EventKind = "amm_deposit"
	EventAmmWithdraw EventKind = "amm_withdraw"
	EventAmmFee      EventKind = "amm_fee"
)

// ClassifiedEvent is one typed event recovered from a transaction.
type ClassifiedEvent struct {
	Kind      EventKind
	Signature string
	Slot      uint64
	BlockTime int64

	// BondingCurveAccount is set for bonding-curve events (create/buy/sell).
	BondingCurveAccount string
	// Creator is set for BcCreate.
	Creator string
	// MintAddress is set for BcCreate from post_token_balances.
	MintAddress string

	// Pool, BaseVault, QuoteVault and User are set for AMM events.
	Pool       string
	BaseVault  string
	QuoteVault string
	User       string

	// TradeEvent carries the decoded "Program data" payload when one was
	// found for this signature; it is the canonical trade for BcTrade.
	TradeEvent *events.TradeEvent

	// Partial marks an event whose positional account extraction failed
	// (index out of bounds); downstream consumers may discard it.
	Partial bool
}

// Config names the watched program addresses and the positional account
// indices used to extract named accounts.
type Config struct {
	BondingCurveProgramID string
	AmmPoolProgramID      string

	// AMM instruction account indices: pool, base vault, quote vault, user.
	AmmPoolIndex       int
	AmmBaseVaultIndex  int
	AmmQuoteVaultIndex int
	AmmUserIndex       int
}

// DefaultConfig returns the conventional positional indices: bonding-curve
// create uses account index 2, buy/sell use index 3; AMM swaps use a
// fixed 4-slot table.
func DefaultConfig(bondingCurveProgramID, ammPoolProgramID string) Config {
	return Config{
		BondingCurveProgramID: bondingCurveProgramID,
		AmmPoolProgramID:      ammPoolProgramID,
		AmmPoolIndex:          0,
		AmmBaseVaultIndex:     1,
		AmmQuoteVaultIndex:    2,
		AmmUserIndex:          3,
	}
}

const (
	bcCreateAccountIndex  = 2
	bcTradeAccountIndex   = 3
	wrappedSOLMint        = "So11111111111111111111111111111111111111112"
	systemProgramID       = "11111111111111111111111111111111"
	tokenProgramID        = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	minValidAccountLength = 44
)

// Classifier decides whether a confirmed transaction touches a watched
// program and extracts typed events from its instructions and logs.
type Classifier struct {
	cfg Config
}

// New constructs a Classifier.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify walks tx's instructions and logs. Failed transactions
// (meta.err present) are skipped entirely. The first decode error met
// among the "Program data" log lines is returned alongside any events
// successfully recovered — callers log-and-count it without aborting.
func (c *Classifier) Classify(tx *feed.ConfirmedTransaction) ([]ClassifiedEvent, []error) {
	if tx.Meta.Err {
		return nil, nil
	}

	var evs []ClassifiedEvent
	var errs []error

	tradeEvent, tradeErr := c.extractTradeEvent(tx)
	if tradeErr != nil {
		errs = append(errs, tradeErr)
	}

	sawPrimary := false
	for _, instr := range tx.Message.Instructions {
		programID := resolveProgramID(tx.Message.AccountKeys, instr.ProgramIDIndex)
		kind := MatchInstructionKind(instr.Data)
		if kind == KindUnknown {
			continue
		}

		switch programID {
		case c.cfg.BondingCurveProgramID:
			if ev, ok := c.classifyBondingCurve(tx, instr, kind, tradeEvent, &sawPrimary); ok {
				evs = append(evs, ev)
			}
		case c.cfg.AmmPoolProgramID:
			if ev, ok := c.classifyAmmPool(tx, instr, kind, tradeEvent, &sawPrimary); ok {
				evs = append(evs, ev)
			}
		}
	}

	if created, ok := c.detectNewMint(tx); ok {
		evs = append(evs, created)
	}

	return evs, errs
}

func resolveProgramID(accountKeys []string, idx int) string {
	if idx < 0 || idx >= len(accountKeys) {
		return ""
	}
	return accountKeys[idx]
}

func accountAt(instr feed.Instruction, accountKeys []string, pos int) (string, bool) {
	if pos < 0 || pos >= len(instr.Accounts) {
		return "", false
	}
	idx := int(instr.Accounts[pos])
	if idx < 0 || idx >= len(accountKeys) {
		return "", false
	}
	return accountKeys[idx], true
}

func (c *Classifier) classifyBondingCurve(tx *feed.ConfirmedTransaction, instr feed.Instruction, kind InstructionKind, tradeEvent *events.TradeEvent, sawPrimary *bool) (ClassifiedEvent, bool) {
	base := ClassifiedEvent{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
	}

	switch kind {
	case KindCreate:
		bcAccount, ok := accountAt(instr, tx.Message.AccountKeys, bcCreateAccountIndex)
		base.Kind = EventBcCreate
		base.BondingCurveAccount = bcAccount
		base.Partial = !ok
		return base, true
	case KindBuy, KindSell:
		if *sawPrimary {
			return ClassifiedEvent{}, false
		}
		bcAccount, ok := accountAt(instr, tx.Message.AccountKeys, bcTradeAccountIndex)
		base.Kind = EventBcTrade
		base.BondingCurveAccount = bcAccount
		base.Partial = !ok
		base.TradeEvent = tradeEvent
		*sawPrimary = true
		return base, true
	default:
		return ClassifiedEvent{}, false
	}
}

func (c *Classifier) classifyAmmPool(tx *feed.ConfirmedTransaction, instr feed.Instruction, kind InstructionKind, tradeEvent *events.TradeEvent, sawPrimary *bool) (ClassifiedEvent, bool) {
	base := ClassifiedEvent{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
	}

	pool, poolOK := accountAt(instr, tx.Message.AccountKeys, c.cfg.AmmPoolIndex)
	baseVault, baseOK := accountAt(instr, tx.Message.AccountKeys, c.cfg.AmmBaseVaultIndex)
	quoteVault, quoteOK := accountAt(instr, tx.Message.AccountKeys, c.cfg.AmmQuoteVaultIndex)
	user, userOK := accountAt(instr, tx.Message.AccountKeys, c.cfg.AmmUserIndex)
	partial := !(poolOK && baseOK && quoteOK && userOK)

	base.Pool = pool
	base.BaseVault = baseVault
	base.QuoteVault = quoteVault
	base.User = user
	base.Partial = partial

	switch kind {
	case KindBuy, KindSell:
		if *sawPrimary {
			return ClassifiedEvent{}, false
		}
		base.Kind = EventAmmTrade
		base.TradeEvent = tradeEvent
		*sawPrimary = true
		return base, true
	case KindDeposit:
		base.Kind = EventAmmDeposit
		return base, true
	case KindWithdraw:
		base.Kind = EventAmmWithdraw
		return base, true
	case KindCollectFee:
		base.Kind = EventAmmFee
		return base, true
	default:
		return ClassifiedEvent{}, false
	}
}

// extractTradeEvent scans meta log messages for "Program data: " lines and
// decodes the first one that parses as a 225-byte trade event — the
// canonical trade event is whichever the classifier emits first for a
// given signature.
func (c *Classifier) extractTradeEvent(tx *feed.ConfirmedTransaction) (*events.TradeEvent, error) {
	const logPrefix = "Program data: "
	var firstErr error
	for _, line := range tx.Meta.LogMessages {
		if !strings.HasPrefix(line, logPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, logPrefix)
		raw, err := codec.DecodeBase64(payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ev, err := events.Decode(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ev != nil {
			return ev, firstErr
		}
	}
	return nil, firstErr
}

// detectNewMint recognizes new-mint creation: a transaction
// creates a token when post_token_balances is non-empty and
// pre_token_balances is empty, the first post-balance mint is not wrapped
// SOL, and one instruction targets the bonding-curve program with the
// create discriminator whose account index 2 is a validated bonding-curve
// account (length-44 base58, not a system/token-program address).
func (c *Classifier) detectNewMint(tx *feed.ConfirmedTransaction) (ClassifiedEvent, bool) {
	if len(tx.Meta.PreTokenBalances) != 0 || len(tx.Meta.PostTokenBalances) == 0 {
		return ClassifiedEvent{}, false
	}
	mint := tx.Meta.PostTokenBalances[0].Mint
	if mint == wrappedSOLMint {
		return ClassifiedEvent{}, false
	}

	for _, instr := range tx.Message.Instructions {
		programID := resolveProgramID(tx.Message.AccountKeys, instr.ProgramIDIndex)
		if programID != c.cfg.BondingCurveProgramID {
			continue
		}
		if MatchInstructionKind(instr.Data) != KindCreate {
			continue
		}
		bcAccount, ok := accountAt(instr, tx.Message.AccountKeys, bcCreateAccountIndex)
		if !ok || !isValidBondingCurveAccount(bcAccount) {
			continue
		}
		return ClassifiedEvent{
			Kind:                EventBcCreate,
			Signature:           tx.Signature,
			Slot:                tx.Slot,
			BlockTime:           tx.BlockTime,
			BondingCurveAccount: bcAccount,
			MintAddress:         mint,
		}, true
	}
	return ClassifiedEvent{}, false
}

func isValidBondingCurveAccount(addr string) bool {
	if len(addr) != minValidAccountLength {
		return false
	}
	if addr == systemProgramID || addr == tokenProgramID {
		return false
	}
	return true
}
