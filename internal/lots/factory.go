// Package lots implements the Token Lot Factory: one fungible ledger per vintage,
// created lazily on first use, minted from fractionalized batches and burned by the pool
// and the bridge.
package lots

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/catalog"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/pkg/apperr"
)

// VintageSource is the read side of the catalog needed to create lots.
type VintageSource interface {
	Vintage(id uint64) (catalog.Vintage, error)
	Project(id uint64) (catalog.Project, error)
}

// LotRef identifies the ledger of one vintage.
type LotRef struct {
	VintageID uint64    `json:"vintage_id"`
	Symbol    string    `json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

// MintRequest credits Amount units of the vintage's lot to To. SourceBatch is set when
// the units come from a fractionalized batch; each batch may mint exactly once.
type MintRequest struct {
	VintageID   uint64
	To          access.Identity
	Amount      int64
	SourceBatch uint64
}

// Stats is an accounting snapshot of one lot, used by the auditor.
type Stats struct {
	Ref            LotRef `json:"ref"`
	TotalSupply    int64  `json:"total_supply"`
	BalanceSum     int64  `json:"balance_sum"`
	Holders        int    `json:"holders"`
	Minted         int64  `json:"minted"`
	Burned         int64  `json:"burned"`
	Fractionalized int64  `json:"fractionalized"`
	Batches        int    `json:"batches"`
}

type ledger struct {
	ref            LotRef
	balances       map[access.Identity]int64
	supply         int64
	minted         int64
	burned         int64
	fractionalized int64
	batches        int
}

// Factory owns every token lot ledger.
type Factory struct {
	mu            sync.RWMutex
	lots          map[uint64]*ledger
	order         []uint64
	mintedBatches map[uint64]uint64
	vintages      VintageSource
	dir           directory.Resolver
	publisher     events.Publisher
	logger        *zap.Logger
	now           func() time.Time
}

// NewFactory creates a factory reading vintages from src.
func NewFactory(src VintageSource, publisher events.Publisher, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		lots:          make(map[uint64]*ledger),
		mintedBatches: make(map[uint64]uint64),
		vintages:      src,
		publisher:     events.OrDiscard(publisher),
		logger:        logger,
		now:           time.Now,
	}
}

// SetDirectory installs the resolver used to recognise the batch engine, the pool and the
// bridge. It may be called once.
func (f *Factory) SetDirectory(dir directory.Resolver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dir != nil {
		return apperr.New(apperr.KindInvalidState, "lots.SetDirectory", "directory already set")
	}
	if dir == nil {
		return apperr.New(apperr.KindInvalidInput, "lots.SetDirectory", "directory is nil")
	}
	f.dir = dir
	return nil
}

// GetOrCreateLot returns the lot of vintageID, creating an empty one on first use.
func (f *Factory) GetOrCreateLot(ctx context.Context, vintageID uint64) (LotRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.getOrCreateLocked(ctx, "lots.GetOrCreateLot", vintageID)
	if err != nil {
		return LotRef{}, err
	}
	return l.ref, nil
}

func (f *Factory) getOrCreateLocked(ctx context.Context, op string, vintageID uint64) (*ledger, error) {
	if l, ok := f.lots[vintageID]; ok {
		return l, nil
	}
	v, err := f.vintages.Vintage(vintageID)
	if err != nil {
		return nil, apperr.Errorf(apperr.KindUnknownVintage, op, "vintage %d does not exist", vintageID)
	}
	p, err := f.vintages.Project(v.ProjectID)
	if err != nil {
		return nil, apperr.Errorf(apperr.KindUnknownProject, op, "project %d of vintage %d does not exist", v.ProjectID, vintageID)
	}

	l := &ledger{
		ref: LotRef{
			VintageID: vintageID,
			Symbol:    fmt.Sprintf("TCO2-%s-%d", p.ExternalProjectCode, v.PeriodStart.Year()),
			CreatedAt: f.now().UTC(),
		},
		balances: make(map[access.Identity]int64),
	}
	f.lots[vintageID] = l
	f.order = append(f.order, vintageID)

	f.publisher.Publish(ctx, events.LotCreated, lotSubject(vintageID), map[string]any{
		"symbol": l.ref.Symbol,
	})
	f.logger.Info("token lot created", zap.Uint64("vintage_id", vintageID), zap.String("symbol", l.ref.Symbol))
	return l, nil
}

// Mint credits units to req.To. Only the batch engine and the pool may mint.
func (f *Factory) Mint(ctx context.Context, caller access.Identity, req MintRequest) error {
	const op = "lots.Mint"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir == nil {
		return apperr.New(apperr.KindDirectoryNotSet, op, "directory not set")
	}
	fromBatches := directory.Is(f.dir, directory.Batches, caller)
	if !fromBatches && !directory.Is(f.dir, directory.Pool, caller) {
		return apperr.Errorf(apperr.KindNotMinter, op, "%s may not mint token lots", caller)
	}
	if req.Amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	if req.To == "" {
		return apperr.New(apperr.KindInvalidInput, op, "recipient is required")
	}
	if req.SourceBatch != 0 {
		if !fromBatches {
			return apperr.Errorf(apperr.KindNotMinter, op, "only the batch engine mints from batches")
		}
		if v, done := f.mintedBatches[req.SourceBatch]; done {
			return apperr.Errorf(apperr.KindInvariantViolation, op,
				"batch %d already minted into vintage %d", req.SourceBatch, v)
		}
	}

	l, err := f.getOrCreateLocked(ctx, op, req.VintageID)
	if err != nil {
		return err
	}
	if overflows(l.supply, req.Amount) || overflows(l.minted, req.Amount) || overflows(l.fractionalized, req.Amount) {
		return apperr.Errorf(apperr.KindInvalidAmount, op,
			"minting %d would overflow the supply of %s", req.Amount, l.ref.Symbol)
	}

	l.balances[req.To] += req.Amount
	l.supply += req.Amount
	l.minted += req.Amount
	if req.SourceBatch != 0 {
		l.fractionalized += req.Amount
		l.batches++
		f.mintedBatches[req.SourceBatch] = req.VintageID
	}

	fields := map[string]any{"to": string(req.To), "amount": req.Amount, "total_supply": l.supply}
	if req.SourceBatch != 0 {
		fields["batch_id"] = req.SourceBatch
	}
	f.publisher.Publish(ctx, events.LotMinted, lotSubject(req.VintageID), fields)
	f.logger.Info("token lot minted",
		zap.Uint64("vintage_id", req.VintageID),
		zap.String("to", string(req.To)),
		zap.Int64("amount", req.Amount),
		zap.Uint64("batch_id", req.SourceBatch))
	return nil
}

// Burn destroys units held by from. Only the pool and the bridge may burn.
func (f *Factory) Burn(ctx context.Context, caller access.Identity, vintageID uint64, from access.Identity, amount int64) error {
	const op = "lots.Burn"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir == nil {
		return apperr.New(apperr.KindDirectoryNotSet, op, "directory not set")
	}
	if !directory.Is(f.dir, directory.Pool, caller) && !directory.Is(f.dir, directory.Bridge, caller) {
		return apperr.Errorf(apperr.KindNotBurner, op, "%s may not burn token lots", caller)
	}
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	l, ok := f.lots[vintageID]
	if !ok {
		return apperr.Errorf(apperr.KindUnknownLot, op, "no token lot for vintage %d", vintageID)
	}
	if l.balances[from] < amount {
		return apperr.Errorf(apperr.KindInsufficientBalance, op,
			"%s holds %d of %s, needs %d", from, l.balances[from], l.ref.Symbol, amount)
	}

	l.debit(from, amount)
	l.supply -= amount
	l.burned += amount

	f.publisher.Publish(ctx, events.LotBurned, lotSubject(vintageID), map[string]any{
		"from": string(from), "amount": amount, "burner": string(caller), "total_supply": l.supply,
	})
	f.logger.Info("token lot burned",
		zap.Uint64("vintage_id", vintageID),
		zap.String("from", string(from)),
		zap.Int64("amount", amount))
	return nil
}

// Transfer moves units between holders of the same lot.
func (f *Factory) Transfer(ctx context.Context, from access.Identity, vintageID uint64, to access.Identity, amount int64) error {
	const op = "lots.Transfer"
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	if to == "" {
		return apperr.New(apperr.KindInvalidInput, op, "recipient is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.lots[vintageID]
	if !ok {
		return apperr.Errorf(apperr.KindUnknownLot, op, "no token lot for vintage %d", vintageID)
	}
	if l.balances[from] < amount {
		return apperr.Errorf(apperr.KindInsufficientBalance, op,
			"%s holds %d of %s, needs %d", from, l.balances[from], l.ref.Symbol, amount)
	}
	l.debit(from, amount)
	l.balances[to] += amount

	f.publisher.Publish(ctx, events.LotTransferred, lotSubject(vintageID), map[string]any{
		"from": string(from), "to": string(to), "amount": amount,
	})
	return nil
}

// BalanceOf returns holder's units in the vintage's lot; zero when the lot does not exist.
func (f *Factory) BalanceOf(vintageID uint64, holder access.Identity) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if l, ok := f.lots[vintageID]; ok {
		return l.balances[holder]
	}
	return 0
}

// TotalSupply returns the outstanding units of the vintage's lot.
func (f *Factory) TotalSupply(vintageID uint64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if l, ok := f.lots[vintageID]; ok {
		return l.supply
	}
	return 0
}

// Lots lists every lot in creation order.
func (f *Factory) Lots() []LotRef {
	f.mu.RLock()
	defer f.mu.RUnlock()
	refs := make([]LotRef, 0, len(f.order))
	for _, id := range f.order {
		refs = append(refs, f.lots[id].ref)
	}
	return refs
}

// Stats returns the accounting snapshot of one lot.
func (f *Factory) Stats(vintageID uint64) (Stats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.lots[vintageID]
	if !ok {
		return Stats{}, apperr.Errorf(apperr.KindUnknownLot, "lots.Stats", "no token lot for vintage %d", vintageID)
	}
	s := Stats{
		Ref:            l.ref,
		TotalSupply:    l.supply,
		Minted:         l.minted,
		Burned:         l.burned,
		Fractionalized: l.fractionalized,
		Batches:        l.batches,
	}
	for _, bal := range l.balances {
		s.BalanceSum += bal
		if bal > 0 {
			s.Holders++
		}
	}
	return s, nil
}

func (l *ledger) debit(holder access.Identity, amount int64) {
	l.balances[holder] -= amount
	if l.balances[holder] == 0 {
		delete(l.balances, holder)
	}
}

func lotSubject(vintageID uint64) string {
	return "lot:" + strconv.FormatUint(vintageID, 10)
}

// overflows reports whether total+amount exceeds int64 for a positive amount. Balances
// never exceed supply, so guarding the counters guards every balance too.
func overflows(total, amount int64) bool {
	return amount > math.MaxInt64-total
}
