package batches

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/catalog"
	"carbon-scribe/bridge-backend/internal/directory"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/internal/lots"
	"carbon-scribe/bridge-backend/pkg/apperr"
)

// MockVintageLookup is a mock implementation of the VintageLookup interface
type MockVintageLookup struct {
	mock.Mock
}

func (m *MockVintageLookup) Vintage(id uint64) (catalog.Vintage, error) {
	args := m.Called(id)
	return args.Get(0).(catalog.Vintage), args.Error(1)
}

// MockLotMinter is a mock implementation of the LotMinter interface
type MockLotMinter struct {
	mock.Mock
}

func (m *MockLotMinter) Mint(ctx context.Context, caller access.Identity, req lots.MintRequest) error {
	args := m.Called(ctx, caller, req)
	return args.Error(0)
}

const (
	broker   access.Identity = "broker"
	verifier access.Identity = "verifier"
	owner    access.Identity = "owner"
	stranger access.Identity = "stranger"
)

type fixture struct {
	engine   *Engine
	vintages *MockVintageLookup
	minter   *MockLotMinter
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vintages := new(MockVintageLookup)
	vintages.On("Vintage", uint64(1)).Return(catalog.Vintage{ID: 1, ProjectID: 1, TotalQuantity: 3000}, nil).Maybe()
	vintages.On("Vintage", mock.Anything).Return(catalog.Vintage{},
		apperr.New(apperr.KindUnknownVintage, "catalog.Vintage", "missing")).Maybe()

	roles := access.NewRoleTable(map[access.Role][]access.Identity{
		access.RoleBroker:   {broker},
		access.RoleVerifier: {verifier},
	})
	rec := events.NewRecorder(0)
	minter := new(MockLotMinter)
	e := NewEngine(vintages, minter, roles, events.NewBus(nil, rec), nil)
	require.NoError(t, e.SetDirectory(directory.Defaults()))
	return &fixture{engine: e, vintages: vintages, minter: minter, recorder: rec}
}

// confirmed drives a fresh batch to RetirementConfirmed.
func (f *fixture) confirmed(t *testing.T, serial string, quantity int64) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetData(ctx, owner, id, serial, quantity, "ipfs://batch"))
	require.NoError(t, f.engine.LinkVintage(ctx, owner, id, 1))
	require.NoError(t, f.engine.ConfirmRetirement(ctx, verifier, id))
	return id
}

func TestMintEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	b, err := f.engine.Batch(id)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, b.State())
	assert.Equal(t, owner, b.Owner)

	_, err = f.engine.MintEmpty(ctx, stranger, owner)
	assert.True(t, apperr.IsKind(err, apperr.KindNotBroker))
	assert.Len(t, f.engine.Batches(), 1)
	assert.Len(t, f.recorder.OfType(events.BatchMinted), 1)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.confirmed(t, "SN1", 2000)

	f.minter.On("Mint", mock.Anything, access.Identity("component:batches"), lots.MintRequest{
		VintageID: 1, To: owner, Amount: 2000, SourceBatch: id,
	}).Return(nil).Once()

	require.NoError(t, f.engine.Fractionalize(ctx, owner, id))
	f.minter.AssertExpectations(t)

	b, err := f.engine.Batch(id)
	require.NoError(t, err)
	assert.Equal(t, StateFractionalized, b.State())
	data, ok := b.Data()
	require.True(t, ok)
	assert.Equal(t, "SN1", data.SerialNumber)
	assert.Equal(t, int64(2000), data.Quantity)
	vintageID, ok := b.VintageID()
	require.True(t, ok)
	assert.Equal(t, uint64(1), vintageID)

	// terminal: a second fractionalize must not mint again
	err = f.engine.Fractionalize(ctx, owner, id)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	f.minter.AssertNumberOfCalls(t, "Mint", 1)

	types := make([]events.Type, 0)
	for _, e := range f.recorder.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []events.Type{
		events.BatchMinted,
		events.BatchDataSet,
		events.BatchVintageLinked,
		events.BatchRetirementConfirmed,
		events.BatchFractionalized,
	}, types)
}

func TestOutOfOrderCallsFailWithInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)

	assert.True(t, apperr.IsKind(f.engine.LinkVintage(ctx, owner, id, 1), apperr.KindInvalidState))
	assert.True(t, apperr.IsKind(f.engine.ConfirmRetirement(ctx, verifier, id), apperr.KindInvalidState))
	assert.True(t, apperr.IsKind(f.engine.Fractionalize(ctx, owner, id), apperr.KindInvalidState))

	require.NoError(t, f.engine.SetData(ctx, owner, id, "SN1", 10, ""))
	assert.True(t, apperr.IsKind(f.engine.SetData(ctx, owner, id, "SN2", 10, ""), apperr.KindInvalidState))

	b, err := f.engine.Batch(id)
	require.NoError(t, err)
	assert.Equal(t, StateDataSet, b.State())
	f.minter.AssertNotCalled(t, "Mint", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetDataValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	second, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)

	tests := []struct {
		name     string
		caller   access.Identity
		id       uint64
		serial   string
		quantity int64
		want     apperr.Kind
	}{
		{"unknown batch", owner, 99, "SN1", 10, apperr.KindUnknownBatch},
		{"not owner", stranger, first, "SN1", 10, apperr.KindNotOwner},
		{"empty serial", owner, first, " ", 10, apperr.KindInvalidInput},
		{"zero quantity", owner, first, "SN1", 0, apperr.KindInvalidAmount},
		{"negative quantity", owner, first, "SN1", -5, apperr.KindInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.SetData(ctx, tt.caller, tt.id, tt.serial, tt.quantity, "")
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	// verifiers may set data on behalf of the owner
	require.NoError(t, f.engine.SetData(ctx, verifier, first, "SN1", 10, ""))

	err = f.engine.SetData(ctx, owner, second, "SN1", 10, "")
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicateSerialNumber))
	b, err := f.engine.Batch(second)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, b.State())

	found, err := f.engine.BySerial("SN1")
	require.NoError(t, err)
	assert.Equal(t, first, found.ID)
	_, err = f.engine.BySerial("SN2")
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownBatch))
}

func TestLinkVintage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetData(ctx, owner, id, "SN1", 2000, ""))

	err = f.engine.LinkVintage(ctx, owner, id, 42)
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownVintage))
	err = f.engine.LinkVintage(ctx, stranger, id, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindNotOwner))

	require.NoError(t, f.engine.LinkVintage(ctx, owner, id, 1))

	// 2000 of 3000 tonnes are linked; a second batch of 1500 overflows the vintage
	other, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetData(ctx, owner, other, "SN2", 1500, ""))
	err = f.engine.LinkVintage(ctx, owner, other, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidAmount))

	third, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetData(ctx, owner, third, "SN3", 1000, ""))
	require.NoError(t, f.engine.LinkVintage(ctx, owner, third, 1))
}

func TestConfirmRetirementRequiresVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetData(ctx, owner, id, "SN1", 10, ""))
	require.NoError(t, f.engine.LinkVintage(ctx, owner, id, 1))

	err = f.engine.ConfirmRetirement(ctx, owner, id)
	assert.True(t, apperr.IsKind(err, apperr.KindNotVerifier))

	require.NoError(t, f.engine.ConfirmRetirement(ctx, verifier, id))
	b, err := f.engine.Batch(id)
	require.NoError(t, err)
	confirmed, ok := b.Stage.(ConfirmedStage)
	require.True(t, ok)
	assert.Equal(t, verifier, confirmed.ConfirmedBy)
}

func TestFractionalizeRequiresOwner(t *testing.T) {
	f := newFixture(t)
	id := f.confirmed(t, "SN1", 10)

	err := f.engine.Fractionalize(context.Background(), verifier, id)
	assert.True(t, apperr.IsKind(err, apperr.KindNotOwner))
	f.minter.AssertNotCalled(t, "Mint", mock.Anything, mock.Anything, mock.Anything)
}

func TestFractionalizeLeavesBatchUntouchedWhenMintFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.confirmed(t, "SN1", 10)

	boom := apperr.New(apperr.KindNotMinter, "lots.Mint", "denied")
	f.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).Return(boom).Once()

	err := f.engine.Fractionalize(ctx, owner, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, apperr.KindNotMinter, apperr.KindOf(err))

	b, err := f.engine.Batch(id)
	require.NoError(t, err)
	assert.Equal(t, StateRetirementConfirmed, b.State())
	assert.Empty(t, f.recorder.OfType(events.BatchFractionalized))
}

func TestFractionalizeWithoutDirectory(t *testing.T) {
	vintages := new(MockVintageLookup)
	vintages.On("Vintage", uint64(1)).Return(catalog.Vintage{ID: 1, TotalQuantity: 100}, nil)
	roles := access.NewRoleTable(map[access.Role][]access.Identity{
		access.RoleBroker:   {broker},
		access.RoleVerifier: {verifier},
	})
	minter := new(MockLotMinter)
	e := NewEngine(vintages, minter, roles, nil, nil)
	ctx := context.Background()

	id, err := e.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, e.SetData(ctx, owner, id, "SN1", 10, ""))
	require.NoError(t, e.LinkVintage(ctx, owner, id, 1))
	require.NoError(t, e.ConfirmRetirement(ctx, verifier, id))

	err = e.Fractionalize(ctx, owner, id)
	assert.True(t, apperr.IsKind(err, apperr.KindDirectoryNotSet))

	require.NoError(t, e.SetDirectory(directory.Defaults()))
	err = e.SetDirectory(directory.Defaults())
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestTransitionsFollowLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)

	next, terminal, err := f.engine.Transitions(id)
	require.NoError(t, err)
	assert.Equal(t, []State{StateDataSet}, next)
	assert.False(t, terminal)

	require.NoError(t, f.engine.SetData(ctx, owner, id, "SN1", 10, ""))
	next, _, err = f.engine.Transitions(id)
	require.NoError(t, err)
	assert.Equal(t, []State{StateVintageLinked}, next)

	confirmed := f.confirmed(t, "SN2", 20)
	f.minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, f.engine.Fractionalize(ctx, owner, confirmed))
	next, terminal, err = f.engine.Transitions(confirmed)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.True(t, terminal)

	_, _, err = f.engine.Transitions(99)
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownBatch))
}

func TestBatchJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)

	b, err := f.engine.Batch(id)
	require.NoError(t, err)
	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "empty", view["state"])
	assert.Nil(t, view["serial_number"])
	assert.Nil(t, view["linked_vintage_id"])

	require.NoError(t, f.engine.SetData(ctx, owner, id, "SN1", 10, ""))
	b, err = f.engine.Batch(id)
	require.NoError(t, err)
	raw, err = json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "SN1", view["serial_number"])
	assert.Equal(t, float64(10), view["quantity"])
}

func TestConcurrentFractionalizeMintsOnce(t *testing.T) {
	f := newFixture(t)
	id := f.confirmed(t, "SN1", 2000)
	f.minter.On("Mint", mock.Anything, access.Identity("component:batches"), mock.Anything).Return(nil)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		kinds     []apperr.Kind
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.engine.Fractionalize(context.Background(), owner, id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			kinds = append(kinds, apperr.KindOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	for _, k := range kinds {
		assert.Equal(t, apperr.KindInvalidState, k)
	}
	f.minter.AssertNumberOfCalls(t, "Mint", 1)
	assert.Len(t, f.recorder.OfType(events.BatchFractionalized), 1)
}

func TestConcurrentMintsAreSerialized(t *testing.T) {
	f := newFixture(t)

	const workers = 50
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.engine.MintEmpty(context.Background(), broker, owner)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, workers)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	for id := uint64(1); id <= workers; id++ {
		assert.True(t, seen[id], "id %d never assigned", id)
	}

	// acceptance order and event order agree
	minted := f.recorder.OfType(events.BatchMinted)
	require.Len(t, minted, workers)
	for i, e := range minted {
		assert.Equal(t, batchSubject(uint64(i+1)), e.SubjectID)
		if i > 0 {
			assert.Greater(t, e.Sequence, minted[i-1].Sequence)
		}
	}
}

func TestLinkVintageCapCannotOverflow(t *testing.T) {
	vintages := new(MockVintageLookup)
	vintages.On("Vintage", uint64(1)).Return(catalog.Vintage{ID: 1, TotalQuantity: math.MaxInt64}, nil)
	roles := access.NewRoleTable(map[access.Role][]access.Identity{access.RoleBroker: {broker}})
	e := NewEngine(vintages, new(MockLotMinter), roles, nil, nil)
	ctx := context.Background()

	first, err := e.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, e.SetData(ctx, owner, first, "SN1", math.MaxInt64, ""))
	require.NoError(t, e.LinkVintage(ctx, owner, first, 1))

	second, err := e.MintEmpty(ctx, broker, owner)
	require.NoError(t, err)
	require.NoError(t, e.SetData(ctx, owner, second, "SN2", 1, ""))
	err = e.LinkVintage(ctx, owner, second, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidAmount))

	b, err := e.Batch(second)
	require.NoError(t, err)
	assert.Equal(t, StateDataSet, b.State())
}
