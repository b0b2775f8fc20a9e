package batches

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/catalog"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/internal/lots"
	"carbon-scribe/bridge-backend/pkg/apperr"
	"carbon-scribe/bridge-backend/pkg/workflows"
)

// VintageLookup is the catalog read needed to link a batch.
type VintageLookup interface {
	Vintage(id uint64) (catalog.Vintage, error)
}

// LotMinter credits fractionalized quantities into a vintage's token lot.
type LotMinter interface {
	Mint(ctx context.Context, caller access.Identity, req lots.MintRequest) error
}

// Engine drives batches through Empty → DataSet → VintageLinked → RetirementConfirmed →
// Fractionalized. Every operation checks the caller's capability, then the required
// state, then its arguments, and mutates nothing unless all checks pass.
type Engine struct {
	mu        sync.Mutex
	batches   []*Batch
	serials   map[string]uint64
	linked    map[uint64]int64
	vintages  VintageLookup
	minter    LotMinter
	authz     access.Authorizer
	self      access.Identity
	machine   *workflows.StateMachine[State]
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a batch engine.
func NewEngine(vintages VintageLookup, minter LotMinter, authz access.Authorizer, publisher events.Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		serials:  make(map[string]uint64),
		linked:   make(map[uint64]int64),
		vintages: vintages,
		minter:   minter,
		authz:    authz,
		machine: workflows.NewLinear(
			StateEmpty,
			StateDataSet,
			StateVintageLinked,
			StateRetirementConfirmed,
			StateFractionalized,
		),
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		now:       time.Now,
	}
}

// SetDirectory resolves the principal the engine presents when minting. It may be called once.
func (e *Engine) SetDirectory(dir directory.Resolver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.self != "" {
		return apperr.New(apperr.KindInvalidState, "batches.SetDirectory", "directory already set")
	}
	if dir == nil {
		return apperr.New(apperr.KindInvalidInput, "batches.SetDirectory", "directory is nil")
	}
	self, err := dir.Resolve(directory.Batches)
	if err != nil {
		return apperr.New(apperr.KindDirectoryNotSet, "batches.SetDirectory", err.Error())
	}
	e.self = self
	return nil
}

// MintEmpty creates a batch in the Empty state owned by owner. Caller must be a broker.
func (e *Engine) MintEmpty(ctx context.Context, caller access.Identity, owner access.Identity) (uint64, error) {
	const op = "batches.MintEmpty"
	if !e.authz.HasRole(caller, access.RoleBroker) {
		return 0, apperr.Errorf(apperr.KindNotBroker, op, "%s is not a broker", caller)
	}
	if owner == "" {
		return 0, apperr.New(apperr.KindInvalidInput, op, "owner is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	b := &Batch{
		ID:        uint64(len(e.batches) + 1),
		Owner:     owner,
		Stage:     EmptyStage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.batches = append(e.batches, b)

	e.publisher.Publish(ctx, events.BatchMinted, batchSubject(b.ID), map[string]any{
		"owner": string(owner), "state": string(StateEmpty),
	})
	e.logger.Info("batch minted", zap.Uint64("batch_id", b.ID), zap.String("owner", string(owner)))
	return b.ID, nil
}

// SetData records the registry serial number and quantity. Serial numbers are unique
// across all batches.
func (e *Engine) SetData(ctx context.Context, caller access.Identity, id uint64, serial string, quantity int64, uri string) error {
	const op = "batches.SetData"

	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookupLocked(op, id)
	if err != nil {
		return err
	}
	if err := e.requireOwnerOrVerifier(op, b, caller); err != nil {
		return err
	}
	if err := requireState(op, b, StateEmpty); err != nil {
		return err
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return apperr.New(apperr.KindInvalidInput, op, "serial number is required")
	}
	if quantity <= 0 {
		return apperr.New(apperr.KindInvalidAmount, op, "quantity must be positive")
	}
	if other, taken := e.serials[serial]; taken {
		return apperr.Errorf(apperr.KindDuplicateSerialNumber, op, "serial number %q already used by batch %d", serial, other)
	}

	next := DataSetStage{SerialNumber: serial, Quantity: quantity, MetadataURI: uri}
	if err := e.advanceLocked(op, b, next); err != nil {
		return err
	}
	e.serials[serial] = id

	e.publisher.Publish(ctx, events.BatchDataSet, batchSubject(id), map[string]any{
		"serial_number": serial, "quantity": quantity, "metadata_uri": uri,
	})
	e.logger.Info("batch data set",
		zap.Uint64("batch_id", id),
		zap.String("serial_number", serial),
		zap.Int64("quantity", quantity))
	return nil
}

// LinkVintage ties the batch to a catalog vintage. The quantities linked to a vintage
// may not exceed its total issuance.
func (e *Engine) LinkVintage(ctx context.Context, caller access.Identity, id uint64, vintageID uint64) error {
	const op = "batches.LinkVintage"

	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookupLocked(op, id)
	if err != nil {
		return err
	}
	if err := e.requireOwnerOrVerifier(op, b, caller); err != nil {
		return err
	}
	if err := requireState(op, b, StateDataSet); err != nil {
		return err
	}
	v, err := e.vintages.Vintage(vintageID)
	if err != nil {
		return apperr.Errorf(apperr.KindUnknownVintage, op, "vintage %d does not exist", vintageID)
	}
	data := b.Stage.(DataSetStage)
	// linked never exceeds TotalQuantity, so the subtraction cannot overflow
	if left := v.TotalQuantity - e.linked[vintageID]; data.Quantity > left {
		return apperr.Errorf(apperr.KindInvalidAmount, op,
			"vintage %d has %d tonnes left, batch claims %d", vintageID, left, data.Quantity)
	}

	if err := e.advanceLocked(op, b, LinkedStage{DataSetStage: data, VintageID: vintageID}); err != nil {
		return err
	}
	e.linked[vintageID] += data.Quantity

	e.publisher.Publish(ctx, events.BatchVintageLinked, batchSubject(id), map[string]any{
		"vintage_id": vintageID,
	})
	e.logger.Info("batch linked to vintage", zap.Uint64("batch_id", id), zap.Uint64("vintage_id", vintageID))
	return nil
}

// ConfirmRetirement records a verifier's attestation that the off-ledger credits were
// retired. Data can no longer change after this point.
func (e *Engine) ConfirmRetirement(ctx context.Context, caller access.Identity, id uint64) error {
	const op = "batches.ConfirmRetirement"

	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookupLocked(op, id)
	if err != nil {
		return err
	}
	if !e.authz.HasRole(caller, access.RoleVerifier) {
		return apperr.Errorf(apperr.KindNotVerifier, op, "%s is not a verifier", caller)
	}
	if err := requireState(op, b, StateVintageLinked); err != nil {
		return err
	}

	linked := b.Stage.(LinkedStage)
	if err := e.advanceLocked(op, b, ConfirmedStage{LinkedStage: linked, ConfirmedBy: caller}); err != nil {
		return err
	}

	e.publisher.Publish(ctx, events.BatchRetirementConfirmed, batchSubject(id), map[string]any{
		"verifier": string(caller),
	})
	e.logger.Info("batch retirement confirmed", zap.Uint64("batch_id", id), zap.String("verifier", string(caller)))
	return nil
}

// Fractionalize mints the batch quantity into the linked vintage's token lot, crediting
// the owner. It succeeds at most once per batch.
func (e *Engine) Fractionalize(ctx context.Context, caller access.Identity, id uint64) error {
	const op = "batches.Fractionalize"

	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookupLocked(op, id)
	if err != nil {
		return err
	}
	if caller != b.Owner {
		return apperr.Errorf(apperr.KindNotOwner, op, "%s does not own batch %d", caller, id)
	}
	if err := requireState(op, b, StateRetirementConfirmed); err != nil {
		return err
	}
	if e.self == "" {
		return apperr.New(apperr.KindDirectoryNotSet, op, "directory not set")
	}

	confirmed := b.Stage.(ConfirmedStage)
	next := FractionalizedStage{ConfirmedStage: confirmed, Holder: caller}
	if !e.machine.CanTransition(b.State(), next.State()) {
		return apperr.Errorf(apperr.KindInvariantViolation, op, "transition %s -> %s not allowed", b.State(), next.State())
	}
	err = e.minter.Mint(ctx, e.self, lots.MintRequest{
		VintageID:   confirmed.VintageID,
		To:          caller,
		Amount:      confirmed.Quantity,
		SourceBatch: id,
	})
	if err != nil {
		return fmt.Errorf("%s: minting batch %d: %w", op, id, err)
	}
	b.Stage = next
	b.UpdatedAt = e.now().UTC()

	e.publisher.Publish(ctx, events.BatchFractionalized, batchSubject(id), map[string]any{
		"vintage_id": confirmed.VintageID, "holder": string(caller), "quantity": confirmed.Quantity,
	})
	e.logger.Info("batch fractionalized",
		zap.Uint64("batch_id", id),
		zap.Uint64("vintage_id", confirmed.VintageID),
		zap.Int64("quantity", confirmed.Quantity))
	return nil
}

// Batch returns a copy of a batch.
func (e *Engine) Batch(id uint64) (Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.lookupLocked("batches.Batch", id)
	if err != nil {
		return Batch{}, err
	}
	return *b, nil
}

// BySerial returns the batch that claimed serial.
func (e *Engine) BySerial(serial string) (Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.serials[serial]
	if !ok {
		return Batch{}, apperr.Errorf(apperr.KindUnknownBatch, "batches.BySerial", "no batch with serial number %q", serial)
	}
	return *e.batches[id-1], nil
}

// Transitions returns the states batch id may move to next and whether its lifecycle is over.
func (e *Engine) Transitions(id uint64) ([]State, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.lookupLocked("batches.Transitions", id)
	if err != nil {
		return nil, false, err
	}
	allowed := e.machine.GetAllowedTransitions(b.State())
	next := make([]State, len(allowed))
	copy(next, allowed)
	return next, e.machine.IsTerminal(b.State()), nil
}

// Batches lists all batches in id order.
func (e *Engine) Batches() []Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Batch, 0, len(e.batches))
	for _, b := range e.batches {
		out = append(out, *b)
	}
	return out
}

func (e *Engine) lookupLocked(op string, id uint64) (*Batch, error) {
	if id == 0 || id > uint64(len(e.batches)) {
		return nil, apperr.Errorf(apperr.KindUnknownBatch, op, "batch %d does not exist", id)
	}
	return e.batches[id-1], nil
}

func (e *Engine) requireOwnerOrVerifier(op string, b *Batch, caller access.Identity) error {
	if caller == b.Owner || e.authz.HasRole(caller, access.RoleVerifier) {
		return nil
	}
	return apperr.Errorf(apperr.KindNotOwner, op, "%s neither owns batch %d nor is a verifier", caller, b.ID)
}

func (e *Engine) advanceLocked(op string, b *Batch, next Stage) error {
	if !e.machine.CanTransition(b.State(), next.State()) {
		return apperr.Errorf(apperr.KindInvariantViolation, op, "transition %s -> %s not allowed", b.State(), next.State())
	}
	b.Stage = next
	b.UpdatedAt = e.now().UTC()
	return nil
}

func requireState(op string, b *Batch, want State) error {
	if b.State() != want {
		return apperr.Errorf(apperr.KindInvalidState, op, "batch %d is %s, expected %s", b.ID, b.State(), want)
	}
	return nil
}

func batchSubject(id uint64) string {
	return "batch:" + strconv.FormatUint(id, 10)
}
