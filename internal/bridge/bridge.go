// Package bridge implements Bridge Accounting: outbound transfers to an external ledger's
// address space, gated by a pause switch and recorded in an append-only log.
package bridge

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/pkg/apperr"
)

const (
	DefaultRecipientPrefix    = "regen1"
	DefaultMinRecipientLength = 44

	subject = "bridge"
)

// Config holds the external address rules and the owner allowed to pause.
type Config struct {
	RecipientPrefix    string
	MinRecipientLength int
	Owner              access.Identity
}

func (c Config) withDefaults() Config {
	if c.RecipientPrefix == "" {
		c.RecipientPrefix = DefaultRecipientPrefix
	}
	if c.MinRecipientLength <= 0 {
		c.MinRecipientLength = DefaultMinRecipientLength
	}
	return c
}

// Request is one outbound transfer.
type Request struct {
	Recipient string
	Token     string
	Amount    int64
	Note      string
}

// TransferRecord is an accepted outbound transfer.
type TransferRecord struct {
	Sequence  uint64          `json:"sequence"`
	Sender    access.Identity `json:"sender"`
	Recipient string          `json:"recipient"`
	Token     string          `json:"token"`
	Amount    int64           `json:"amount"`
	Note      string          `json:"note"`
	At        time.Time       `json:"at"`
}

// Bridge accounts for outbound transfers.
type Bridge struct {
	mu        sync.Mutex
	cfg       Config
	paused    bool
	total     int64
	records   []TransferRecord
	debiter   Debiter
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a running bridge.
func New(cfg Config, debiter Debiter, publisher events.Publisher, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:       cfg.withDefaults(),
		debiter:   debiter,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		now:       time.Now,
	}
}

// SetDirectory hands dir to the debiter when it resolves principals, as LedgerDebiter does.
func (b *Bridge) SetDirectory(dir directory.Resolver) error {
	if aware, ok := b.debiter.(interface {
		SetDirectory(directory.Resolver) error
	}); ok {
		return aware.SetDirectory(dir)
	}
	return nil
}

// Pause stops all transfers until Unpause. Only the owner may pause.
func (b *Bridge) Pause(ctx context.Context, caller access.Identity) error {
	return b.setPaused(ctx, "bridge.Pause", caller, true)
}

// Unpause resumes transfers. Only the owner may unpause.
func (b *Bridge) Unpause(ctx context.Context, caller access.Identity) error {
	return b.setPaused(ctx, "bridge.Unpause", caller, false)
}

func (b *Bridge) setPaused(ctx context.Context, op string, caller access.Identity, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.Owner == "" || caller != b.cfg.Owner {
		return apperr.Errorf(apperr.KindNotOwner, op, "%s is not the bridge owner", caller)
	}
	if b.paused == paused {
		return apperr.Errorf(apperr.KindInvalidState, op, "bridge already %s", stateName(paused))
	}
	b.paused = paused

	typ := events.BridgeUnpaused
	if paused {
		typ = events.BridgePaused
	}
	b.publisher.Publish(ctx, typ, subject, map[string]any{"by": string(caller)})
	b.logger.Warn("bridge "+stateName(paused), zap.String("by", string(caller)))
	return nil
}

// Bridge debits the caller and records an outbound transfer. Checks run in a fixed
// order: pause, amount, recipient prefix, recipient length, token reference.
func (b *Bridge) Bridge(ctx context.Context, caller access.Identity, req Request) (TransferRecord, error) {
	const op = "bridge.Bridge"

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		return TransferRecord{}, apperr.New(apperr.KindOperationPaused, op, "bridge is paused")
	}
	if req.Amount <= 0 {
		return TransferRecord{}, apperr.New(apperr.KindInvalidAmount, op, "amount must be positive")
	}
	if !strings.HasPrefix(req.Recipient, b.cfg.RecipientPrefix) {
		return TransferRecord{}, apperr.Errorf(apperr.KindInvalidRecipientFmt, op,
			"recipient must start with %q", b.cfg.RecipientPrefix)
	}
	if len(req.Recipient) < b.cfg.MinRecipientLength {
		return TransferRecord{}, apperr.Errorf(apperr.KindInvalidRecipientLen, op,
			"recipient has %d characters, need at least %d", len(req.Recipient), b.cfg.MinRecipientLength)
	}
	token, err := ParseTokenRef(req.Token)
	if err != nil {
		return TransferRecord{}, err
	}
	if req.Amount > math.MaxInt64-b.total {
		return TransferRecord{}, apperr.New(apperr.KindInvalidAmount, op, "amount would overflow the transferred total")
	}
	if err := b.debiter.Debit(ctx, caller, token, req.Amount); err != nil {
		return TransferRecord{}, fmt.Errorf("%s: debiting %s: %w", op, token, err)
	}

	rec := TransferRecord{
		Sequence:  uint64(len(b.records) + 1),
		Sender:    caller,
		Recipient: req.Recipient,
		Token:     token.String(),
		Amount:    req.Amount,
		Note:      req.Note,
		At:        b.now().UTC(),
	}
	b.records = append(b.records, rec)
	b.total += req.Amount

	b.publisher.Publish(ctx, events.BridgeTransferred, subject, map[string]any{
		"record":    rec.Sequence,
		"sender":    string(caller),
		"recipient": rec.Recipient,
		"token":     rec.Token,
		"amount":    rec.Amount,
		"note":      rec.Note,
	})
	b.logger.Info("bridge transfer",
		zap.Uint64("record", rec.Sequence),
		zap.String("sender", string(caller)),
		zap.String("recipient", rec.Recipient),
		zap.String("token", rec.Token),
		zap.Int64("amount", rec.Amount))
	return rec, nil
}

// Paused reports whether transfers are stopped.
func (b *Bridge) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// TotalTransferred is the sum of every accepted transfer.
func (b *Bridge) TotalTransferred() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Records returns the transfer log, oldest first.
func (b *Bridge) Records() []TransferRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TransferRecord(nil), b.records...)
}

// Snapshot returns the total and the log read under one lock.
func (b *Bridge) Snapshot() (int64, []TransferRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, append([]TransferRecord(nil), b.records...)
}

// Owner is the identity allowed to pause.
func (b *Bridge) Owner() access.Identity {
	return b.cfg.Owner
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

func stateName(paused bool) string {
	if paused {
		return "paused"
	}
	return "running"
}
