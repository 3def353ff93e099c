package accounts

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/solgrad/ingestor/pkg/codec"
)

// PoolFixedSize is the byte length of the fixed AMM-pool account fields
// this reader cares about: discriminator, pool_bump, index, creator,
// base_mint, quote_mint, lp_mint, pool_base_token_account,
// pool_quote_token_account, lp_supply — trimmed to what TokenLifecycle
// consumes. An optional trailing pool_open status byte, not part of every
// pool layout, is read separately.
const PoolFixedSize = 211

const poolOffOpen = PoolFixedSize

// Pool is the decoded state of an AMM-pool account.
type Pool struct {
	Creator           string
	BaseMint          string
	QuoteMint         string
	LPMint            string
	BaseTokenAccount  string
	QuoteTokenAccount string
	LPSupply          uint64
	Open              bool
}

type rawPool struct {
	Discriminator     [8]uint8 `bin:"skip"`
	PoolBump          uint8
	Index             uint16
	Creator           solana.PublicKey
	BaseMint          solana.PublicKey
	QuoteMint         solana.PublicKey
	LPMint            solana.PublicKey
	BaseTokenAccount  solana.PublicKey
	QuoteTokenAccount solana.PublicKey
	LPSupply          uint64
}

// DecodePool decodes an AMM-pool account's raw data. Open is read from a
// single trailing status byte (non-zero means the pool accepts swaps); pump
// pool layouts that omit this byte are read as always-open.
func DecodePool(data []byte) (*Pool, error) {
	if len(data) < PoolFixedSize {
		return nil, fmt.Errorf("accounts: pool account: expected at least %d bytes, got %d", PoolFixedSize, len(data))
	}

	var raw rawPool
	if err := bin.NewBinDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("accounts: decode pool: %w", err)
	}

	open := true
	if openByte, err := codec.ReadUint8(data, poolOffOpen); err == nil {
		open = openByte != 0
	}

	return &Pool{
		Creator:           raw.Creator.String(),
		BaseMint:          raw.BaseMint.String(),
		QuoteMint:         raw.QuoteMint.String(),
		LPMint:            raw.LPMint.String(),
		BaseTokenAccount:  raw.BaseTokenAccount.String(),
		QuoteTokenAccount: raw.QuoteTokenAccount.String(),
		LPSupply:          raw.LPSupply,
		Open:              open,
	}, nil
}
