package executor

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/riskgate"
	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Bundle assembly — flash borrow, swaps, repay, tip
// ---------------------------------------------------------------------------

// FlashLoanProvider is one configured flash-loan source. Providers are
// tried in configured priority order with failover.
type FlashLoanProvider struct {
	Name      string        `yaml:"name"`
	ProgramID solana.Pubkey `yaml:"program_id"`
	Pool      solana.Pubkey `yaml:"pool"`
	Vault     solana.Pubkey `yaml:"vault"`
	FeeBps    uint16        `yaml:"fee_bps"`
	Enabled   bool          `yaml:"enabled"`
}

const (
	flashBorrowTag = 1
	flashRepayTag  = 2
)

// borrowInstruction builds the provider's flash borrow leg.
func borrowInstruction(p FlashLoanProvider, borrower, borrowerAccount solana.Pubkey, amount uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = flashBorrowTag
	binary.LittleEndian.PutUint64(data[1:9], amount)
	return solana.Instruction{
		ProgramID: p.ProgramID,
		Accounts: []solana.AccountMeta{
			{Pubkey: p.Pool, IsWritable: true},
			{Pubkey: p.Vault, IsWritable: true},
			{Pubkey: borrowerAccount, IsWritable: true},
			{Pubkey: borrower, IsSigner: true},
			{Pubkey: solana.TokenProgram},
		},
		Data: data,
	}
}

// repayInstruction builds the repay leg: borrow plus the provider fee.
func repayInstruction(p FlashLoanProvider, borrower, borrowerAccount solana.Pubkey, amount uint64) solana.Instruction {
	fee := amount * uint64(p.FeeBps) / 10_000
	data := make([]byte, 9)
	data[0] = flashRepayTag
	binary.LittleEndian.PutUint64(data[1:9], amount+fee)
	return solana.Instruction{
		ProgramID: p.ProgramID,
		Accounts: []solana.AccountMeta{
			{Pubkey: p.Pool, IsWritable: true},
			{Pubkey: p.Vault, IsWritable: true},
			{Pubkey: borrowerAccount, IsWritable: true},
			{Pubkey: borrower, IsSigner: true},
			{Pubkey: solana.TokenProgram},
		},
		Data: data,
	}
}

// Wallet holds the signing key and the token accounts the bundle moves
// funds through.
type Wallet struct {
	Keypair       *solana.Keypair
	TokenAccounts map[solana.Pubkey]solana.Pubkey // mint -> token account
}

// tokenAccount resolves the wallet's account for a mint.
func (w *Wallet) tokenAccount(mint solana.Pubkey) (solana.Pubkey, error) {
	acct, ok := w.TokenAccounts[mint]
	if !ok {
		return solana.Pubkey{}, fmt.Errorf("executor: no token account for mint %s", mint)
	}
	return acct, nil
}

// assemble builds the signed transaction for a plan: compute budget,
// optional flash borrow, ordered swaps, repay, and the protected-relay tip.
func (c *Coordinator) assemble(plan *riskgate.Plan, priorityFee uint64, blockhash solana.Hash) (*solana.Transaction, error) {
	route := plan.Route
	payer := c.wallet.Keypair.Pubkey()

	builder := solana.NewTxBuilder(payer).SetBlockhash(blockhash)
	builder.Add(solana.ComputeUnitLimitInstruction(c.config.ComputeUnitLimit))
	builder.Add(solana.ComputeUnitPriceInstruction(priorityFee))

	var provider *FlashLoanProvider
	if plan.FlashLoan {
		p, err := c.pickFlashProvider()
		if err != nil {
			return nil, err
		}
		provider = p
		inputAccount, err := c.wallet.tokenAccount(route.InputMint)
		if err != nil {
			return nil, err
		}
		builder.Add(borrowInstruction(*provider, payer, inputAccount, route.AmountIn))
	}

	// Ordered swap legs.
	amount := route.AmountIn
	distinct := make(map[solana.Pubkey]struct{})
	for i, hop := range route.Candidate.Hops {
		snap := route.Candidate.Snapshots[i]
		meta, ok := c.store.Meta(hop.Pool)
		if !ok {
			return nil, fmt.Errorf("executor: pool %s not registered", hop.Pool)
		}
		adapter, err := c.registry.Get(snap.Venue)
		if err != nil {
			return nil, err
		}

		src, err := c.wallet.tokenAccount(hopInputMint(meta, hop.AToB))
		if err != nil {
			return nil, err
		}
		dst, err := c.wallet.tokenAccount(hopOutputMint(meta, hop.AToB))
		if err != nil {
			return nil, err
		}

		expected := route.HopQuotes[i].AmountOut
		ph := dex.PlanHop{
			Pool:         meta,
			AToB:         hop.AToB,
			AmountIn:     amount,
			MinAmountOut: minOut(expected, c.config.MaxSlippageBps),
			UserSource:   src,
			UserDest:     dst,
			UserOwner:    payer,
		}
		ins, err := adapter.BuildSwapInstruction(ph)
		if err != nil {
			return nil, err
		}
		builder.Add(ins)
		for _, m := range adapter.RequiredAccounts(ph) {
			distinct[m.Pubkey] = struct{}{}
		}
		amount = expected
	}

	if provider != nil {
		inputAccount, _ := c.wallet.tokenAccount(route.InputMint)
		builder.Add(repayInstruction(*provider, payer, inputAccount, route.AmountIn))
	}

	// MEV protection: the tip instruction marks the transaction for the
	// protected relay.
	if c.bundles != nil {
		builder.Add(c.bundles.TipInstruction(payer, c.config.TipLamports))
	}

	// Compress through the lookup table when the account set overflows.
	if len(distinct) > solana.MaxStaticAccounts-8 && c.lookup != nil {
		builder.SetLookupTable(c.lookup)
	}

	tx, err := builder.Build()
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(c.wallet.Keypair); err != nil {
		return nil, err
	}
	return tx, nil
}

// pickFlashProvider returns the highest-priority enabled provider.
func (c *Coordinator) pickFlashProvider() (*FlashLoanProvider, error) {
	for i := range c.config.FlashLoanProviders {
		if c.config.FlashLoanProviders[i].Enabled {
			return &c.config.FlashLoanProviders[i], nil
		}
	}
	return nil, fmt.Errorf("executor: no flash loan provider enabled")
}

func hopInputMint(meta *dex.Pool, aToB bool) solana.Pubkey {
	if aToB {
		return meta.TokenA
	}
	return meta.TokenB
}

func hopOutputMint(meta *dex.Pool, aToB bool) solana.Pubkey {
	if aToB {
		return meta.TokenB
	}
	return meta.TokenA
}

func minOut(expected uint64, slippageBps uint32) uint64 {
	return expected * uint64(10_000-slippageBps) / 10_000
}

// ComputeDeadline budgets a plan deadline: now + min(opportunity TTL,
// slot budget × expected slot duration).
func ComputeDeadline(now time.Time, ttl time.Duration, slotBudget uint64, slotDuration time.Duration) time.Time {
	budget := time.Duration(slotBudget) * slotDuration
	if ttl < budget {
		budget = ttl
	}
	return now.Add(budget)
}
