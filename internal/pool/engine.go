// Package pool implements the Pool Eligibility Engine: a single fungible pool token backed
// by per-vintage reserves of token lot units. Only vintages classified eligible may be
// deposited.
package pool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/catalog"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/internal/lots"
	"carbon-scribe/bridge-backend/pkg/apperr"
)

const subject = "pool"

// LotLedger is the part of the token lot factory the pool drives.
type LotLedger interface {
	BalanceOf(vintageID uint64, holder access.Identity) int64
	Burn(ctx context.Context, caller access.Identity, vintageID uint64, from access.Identity, amount int64) error
	Mint(ctx context.Context, caller access.Identity, req lots.MintRequest) error
}

// VintageLookup confirms a vintage exists before it is classified.
type VintageLookup interface {
	Vintage(id uint64) (catalog.Vintage, error)
}

// Engine owns the pool token ledger.
type Engine struct {
	mu        sync.Mutex
	classes   map[uint64]Classification
	reserves  map[uint64]int64
	balances  map[access.Identity]int64
	supply    int64
	deposited int64
	withdrawn int64
	lots      LotLedger
	vintages  VintageLookup
	authz     access.Authorizer
	self      access.Identity
	publisher events.Publisher
	logger    *zap.Logger
}

// NewEngine creates an empty pool.
func NewEngine(lotLedger LotLedger, vintages VintageLookup, authz access.Authorizer, publisher events.Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		classes:   make(map[uint64]Classification),
		reserves:  make(map[uint64]int64),
		balances:  make(map[access.Identity]int64),
		lots:      lotLedger,
		vintages:  vintages,
		authz:     authz,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
	}
}

// SetDirectory resolves the principal the pool presents to the token lot factory. It may
// be called once.
func (p *Engine) SetDirectory(dir directory.Resolver) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.self != "" {
		return apperr.New(apperr.KindInvalidState, "pool.SetDirectory", "directory already set")
	}
	if dir == nil {
		return apperr.New(apperr.KindInvalidInput, "pool.SetDirectory", "directory is nil")
	}
	self, err := dir.Resolve(directory.Pool)
	if err != nil {
		return apperr.New(apperr.KindDirectoryNotSet, "pool.SetDirectory", err.Error())
	}
	p.self = self
	return nil
}

// SetEligibility classifies a vintage. Reclassification affects future deposits only.
func (p *Engine) SetEligibility(ctx context.Context, caller access.Identity, vintageID uint64, class Classification) error {
	return p.classify(ctx, "pool.SetEligibility", caller, []uint64{vintageID}, class)
}

// AddToAllowList marks every listed vintage eligible.
func (p *Engine) AddToAllowList(ctx context.Context, caller access.Identity, vintageIDs []uint64) error {
	return p.classify(ctx, "pool.AddToAllowList", caller, vintageIDs, Eligible)
}

// AddToDenyList marks every listed vintage ineligible.
func (p *Engine) AddToDenyList(ctx context.Context, caller access.Identity, vintageIDs []uint64) error {
	return p.classify(ctx, "pool.AddToDenyList", caller, vintageIDs, Ineligible)
}

func (p *Engine) classify(ctx context.Context, op string, caller access.Identity, vintageIDs []uint64, class Classification) error {
	if !p.authz.HasRole(caller, access.RoleAdmin) {
		return apperr.Errorf(apperr.KindNotAdmin, op, "%s is not an admin", caller)
	}
	if class != Eligible && class != Ineligible {
		return apperr.Errorf(apperr.KindInvalidInput, op, "classification %q cannot be assigned", class)
	}
	if len(vintageIDs) == 0 {
		return apperr.New(apperr.KindInvalidInput, op, "no vintages given")
	}
	for _, id := range vintageIDs {
		if _, err := p.vintages.Vintage(id); err != nil {
			return apperr.Errorf(apperr.KindUnknownVintage, op, "vintage %d does not exist", id)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range vintageIDs {
		previous := p.classOfLocked(id)
		p.classes[id] = class
		p.publisher.Publish(ctx, events.PoolEligibilitySet, vintageSubject(id), map[string]any{
			"classification": string(class), "previous": string(previous),
		})
		p.logger.Info("vintage classified",
			zap.Uint64("vintage_id", id),
			zap.String("classification", string(class)),
			zap.String("previous", string(previous)))
	}
	return nil
}

// Deposit burns amount of the depositor's token lot units and credits the same amount of
// pool token, growing the vintage's reserve.
func (p *Engine) Deposit(ctx context.Context, depositor access.Identity, vintageID uint64, amount int64) error {
	const op = "pool.Deposit"

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.self == "" {
		return apperr.New(apperr.KindDirectoryNotSet, op, "directory not set")
	}
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	if class := p.classOfLocked(vintageID); class != Eligible {
		return apperr.Errorf(apperr.KindNotEligible, op, "vintage %d is %s", vintageID, class)
	}
	if amount > math.MaxInt64-p.supply || amount > math.MaxInt64-p.deposited {
		return apperr.Errorf(apperr.KindInvalidAmount, op, "depositing %d would overflow the pool supply", amount)
	}
	if held := p.lots.BalanceOf(vintageID, depositor); held < amount {
		return apperr.Errorf(apperr.KindInsufficientBalance, op,
			"%s holds %d units of vintage %d, needs %d", depositor, held, vintageID, amount)
	}
	if err := p.lots.Burn(ctx, p.self, vintageID, depositor, amount); err != nil {
		return fmt.Errorf("%s: burning lot units: %w", op, err)
	}

	p.balances[depositor] += amount
	p.reserves[vintageID] += amount
	p.supply += amount
	p.deposited += amount

	p.publisher.Publish(ctx, events.PoolDeposited, subject, map[string]any{
		"depositor": string(depositor), "vintage_id": vintageID, "amount": amount,
		"reserve": p.reserves[vintageID], "total_supply": p.supply,
	})
	p.logger.Info("pool deposit",
		zap.String("depositor", string(depositor)),
		zap.Uint64("vintage_id", vintageID),
		zap.Int64("amount", amount))
	return nil
}

// Withdraw burns amount of the holder's pool token and mints the same amount back into
// the vintage's token lot. The vintage must have enough reserve; classification is not
// consulted.
func (p *Engine) Withdraw(ctx context.Context, holder access.Identity, vintageID uint64, amount int64) error {
	const op = "pool.Withdraw"

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.self == "" {
		return apperr.New(apperr.KindDirectoryNotSet, op, "directory not set")
	}
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	if p.balances[holder] < amount {
		return apperr.Errorf(apperr.KindInsufficientBalance, op,
			"%s holds %d pool tokens, needs %d", holder, p.balances[holder], amount)
	}
	if p.reserves[vintageID] < amount {
		return apperr.Errorf(apperr.KindInsufficientReserve, op,
			"vintage %d backs %d pool tokens, needs %d", vintageID, p.reserves[vintageID], amount)
	}
	err := p.lots.Mint(ctx, p.self, lots.MintRequest{VintageID: vintageID, To: holder, Amount: amount})
	if err != nil {
		return fmt.Errorf("%s: minting lot units: %w", op, err)
	}

	p.debitLocked(holder, amount)
	p.reserves[vintageID] -= amount
	if p.reserves[vintageID] == 0 {
		delete(p.reserves, vintageID)
	}
	p.supply -= amount
	p.withdrawn += amount

	p.publisher.Publish(ctx, events.PoolWithdrawn, subject, map[string]any{
		"holder": string(holder), "vintage_id": vintageID, "amount": amount,
		"reserve": p.reserves[vintageID], "total_supply": p.supply,
	})
	p.logger.Info("pool withdrawal",
		zap.String("holder", string(holder)),
		zap.Uint64("vintage_id", vintageID),
		zap.Int64("amount", amount))
	return nil
}

// Transfer moves pool tokens between holders.
func (p *Engine) Transfer(ctx context.Context, from, to access.Identity, amount int64) error {
	const op = "pool.Transfer"
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	if to == "" {
		return apperr.New(apperr.KindInvalidInput, op, "recipient is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balances[from] < amount {
		return apperr.Errorf(apperr.KindInsufficientBalance, op,
			"%s holds %d pool tokens, needs %d", from, p.balances[from], amount)
	}
	p.debitLocked(from, amount)
	p.balances[to] += amount

	p.publisher.Publish(ctx, events.PoolTransferred, subject, map[string]any{
		"from": string(from), "to": string(to), "amount": amount,
	})
	return nil
}

// BalanceOf returns holder's pool tokens.
func (p *Engine) BalanceOf(holder access.Identity) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[holder]
}

// TotalSupply returns the outstanding pool tokens.
func (p *Engine) TotalSupply() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supply
}

// Reserve returns the pooled backing of one vintage.
func (p *Engine) Reserve(vintageID uint64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserves[vintageID]
}

// Classification returns the gate of one vintage; vintages never classified are unclassified.
func (p *Engine) Classification(vintageID uint64) Classification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.classOfLocked(vintageID)
}

// Reserves lists every classified or backed vintage by id.
func (p *Engine) Reserves() []VintageReserve {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[uint64]struct{}, len(p.classes)+len(p.reserves))
	for id := range p.classes {
		seen[id] = struct{}{}
	}
	for id := range p.reserves {
		seen[id] = struct{}{}
	}
	out := make([]VintageReserve, 0, len(seen))
	for id := range seen {
		out = append(out, VintageReserve{VintageID: id, Classification: p.classOfLocked(id), Reserve: p.reserves[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VintageID < out[j].VintageID })
	return out
}

// Totals returns the accounting snapshot used by the auditor.
func (p *Engine) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := Totals{TotalSupply: p.supply, Deposited: p.deposited, Withdrawn: p.withdrawn}
	for _, bal := range p.balances {
		t.BalanceSum += bal
		t.Holders++
	}
	for _, r := range p.reserves {
		t.ReserveSum += r
	}
	return t
}

func (p *Engine) classOfLocked(vintageID uint64) Classification {
	if c, ok := p.classes[vintageID]; ok {
		return c
	}
	return Unclassified
}

func (p *Engine) debitLocked(holder access.Identity, amount int64) {
	p.balances[holder] -= amount
	if p.balances[holder] == 0 {
		delete(p.balances, holder)
	}
}

func vintageSubject(id uint64) string {
	return fmt.Sprintf("vintage:%d", id)
}
