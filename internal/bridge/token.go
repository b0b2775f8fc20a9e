package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/pkg/apperr"
)

// TokenKind says how a bridged token leaves the local ledger.
type TokenKind string

const (
	// TokenPool units are locked in the bridge escrow account.
	TokenPool TokenKind = "pool"
	// TokenLot units are burned from their vintage's lot.
	TokenLot TokenKind = "lot"
)

// TokenRef names the local token being bridged.
type TokenRef struct {
	Kind      TokenKind
	VintageID uint64
}

// ParseTokenRef accepts "pool" and "lot:<vintageID>".
func ParseTokenRef(s string) (TokenRef, error) {
	const op = "bridge.ParseTokenRef"
	s = strings.TrimSpace(s)
	if s == string(TokenPool) {
		return TokenRef{Kind: TokenPool}, nil
	}
	if rest, ok := strings.CutPrefix(s, string(TokenLot)+":"); ok {
		id, err := strconv.ParseUint(rest, 10, 64)
		if err == nil && id > 0 {
			return TokenRef{Kind: TokenLot, VintageID: id}, nil
		}
	}
	return TokenRef{}, apperr.Errorf(apperr.KindInvalidTokenReference, op, "unknown token reference %q", s)
}

func (t TokenRef) String() string {
	if t.Kind == TokenLot {
		return fmt.Sprintf("lot:%d", t.VintageID)
	}
	return string(t.Kind)
}

// Debiter removes bridged units from the sender's local balance.
type Debiter interface {
	Debit(ctx context.Context, from access.Identity, token TokenRef, amount int64) error
}

// PoolLedger is the pool token surface the bridge locks into escrow.
type PoolLedger interface {
	Transfer(ctx context.Context, from, to access.Identity, amount int64) error
}

// LotBurner is the token lot surface the bridge burns from.
type LotBurner interface {
	Burn(ctx context.Context, caller access.Identity, vintageID uint64, from access.Identity, amount int64) error
}

// LedgerDebiter locks pool tokens in escrow and burns lot units.
type LedgerDebiter struct {
	mu     sync.RWMutex
	pool   PoolLedger
	lots   LotBurner
	self   access.Identity
	escrow access.Identity
}

func NewLedgerDebiter(pool PoolLedger, lotBurner LotBurner) *LedgerDebiter {
	return &LedgerDebiter{pool: pool, lots: lotBurner}
}

// SetDirectory resolves the bridge principal and its escrow account. It may be called once.
func (d *LedgerDebiter) SetDirectory(dir directory.Resolver) error {
	const op = "bridge.SetDirectory"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self != "" {
		return apperr.New(apperr.KindInvalidState, op, "directory already set")
	}
	if dir == nil {
		return apperr.New(apperr.KindInvalidInput, op, "directory is nil")
	}
	self, err := dir.Resolve(directory.Bridge)
	if err != nil {
		return apperr.New(apperr.KindDirectoryNotSet, op, err.Error())
	}
	escrow, err := dir.Resolve(directory.BridgeEscrow)
	if err != nil {
		return apperr.New(apperr.KindDirectoryNotSet, op, err.Error())
	}
	d.self, d.escrow = self, escrow
	return nil
}

// Escrow is the account holding locked pool tokens.
func (d *LedgerDebiter) Escrow() access.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.escrow
}

func (d *LedgerDebiter) Debit(ctx context.Context, from access.Identity, token TokenRef, amount int64) error {
	d.mu.RLock()
	self, escrow := d.self, d.escrow
	d.mu.RUnlock()
	if self == "" {
		return apperr.New(apperr.KindDirectoryNotSet, "bridge.Debit", "directory not set")
	}
	switch token.Kind {
	case TokenPool:
		return d.pool.Transfer(ctx, from, escrow, amount)
	case TokenLot:
		return d.lots.Burn(ctx, self, token.VintageID, from, amount)
	default:
		return apperr.Errorf(apperr.KindInvalidTokenReference, "bridge.Debit", "unknown token kind %q", token.Kind)
	}
}
