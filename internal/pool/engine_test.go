package pool

import (
	"context"
	"math"
	"testing"
	"time"

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

const (
	admin  access.Identity = "admin"
	holder access.Identity = "holder"
	other  access.Identity = "other"
)

type fixture struct {
	pool     *Engine
	lots     *lots.Factory
	recorder *events.Recorder
	vintages []uint64
}

// newFixture builds a catalog with two vintages and credits holder 2000 units of each.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	roles := access.NewRoleTable(map[access.Role][]access.Identity{access.RoleAdmin: {admin}})
	rec := events.NewRecorder(0)
	bus := events.NewBus(nil, rec)
	dir := directory.Defaults()

	cat := catalog.New(roles, bus, nil)
	projectID, err := cat.AddProject(ctx, admin, catalog.ProjectAttrs{
		ExternalProjectCode: "VCS-191",
		Standard:            "VCS",
		Methodology:         "VM0007",
		Region:              "BR",
		StorageMethod:       "biomass",
		Method:              "avoidance",
		EmissionCategory:    "REDD+",
	})
	require.NoError(t, err)

	factory := lots.NewFactory(cat, bus, nil)
	require.NoError(t, factory.SetDirectory(dir))
	minter, err := dir.Resolve(directory.Batches)
	require.NoError(t, err)

	var vintages []uint64
	for i, year := range []int{2017, 2018} {
		id, err := cat.AddVintage(ctx, admin, projectID, catalog.VintageAttrs{
			Name:          "v",
			PeriodStart:   time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:     time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC),
			TotalQuantity: 3000,
		})
		require.NoError(t, err)
		require.NoError(t, factory.Mint(ctx, minter, lots.MintRequest{
			VintageID: id, To: holder, Amount: 2000, SourceBatch: uint64(i + 1),
		}))
		vintages = append(vintages, id)
	}

	p := NewEngine(factory, cat, roles, bus, nil)
	require.NoError(t, p.SetDirectory(dir))
	return &fixture{pool: p, lots: factory, recorder: rec, vintages: vintages}
}

func TestSetEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vintages[0]

	assert.Equal(t, Unclassified, f.pool.Classification(v))

	err := f.pool.SetEligibility(ctx, holder, v, Eligible)
	assert.True(t, apperr.IsKind(err, apperr.KindNotAdmin))
	err = f.pool.SetEligibility(ctx, admin, v, Unclassified)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	err = f.pool.SetEligibility(ctx, admin, 99, Eligible)
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownVintage))
	assert.Equal(t, Unclassified, f.pool.Classification(v))

	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Eligible))
	assert.Equal(t, Eligible, f.pool.Classification(v))
	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Ineligible))
	assert.Equal(t, Ineligible, f.pool.Classification(v))
	assert.Len(t, f.recorder.OfType(events.PoolEligibilitySet), 2)
}

func TestAllowAndDenyLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pool.AddToAllowList(ctx, admin, f.vintages))
	for _, v := range f.vintages {
		assert.Equal(t, Eligible, f.pool.Classification(v))
	}
	require.NoError(t, f.pool.AddToDenyList(ctx, admin, f.vintages[1:]))
	assert.Equal(t, Ineligible, f.pool.Classification(f.vintages[1]))

	// one unknown id rejects the whole list
	err := f.pool.AddToDenyList(ctx, admin, []uint64{f.vintages[0], 99})
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownVintage))
	assert.Equal(t, Eligible, f.pool.Classification(f.vintages[0]))

	err = f.pool.AddToAllowList(ctx, admin, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
}

func TestDepositRequiresEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vintages[0]

	err := f.pool.Deposit(ctx, holder, v, 100)
	assert.True(t, apperr.IsKind(err, apperr.KindNotEligible), "unclassified vintage")

	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Ineligible))
	err = f.pool.Deposit(ctx, holder, v, 100)
	assert.True(t, apperr.IsKind(err, apperr.KindNotEligible), "ineligible vintage")

	assert.Equal(t, int64(2000), f.lots.BalanceOf(v, holder))
	assert.Zero(t, f.pool.TotalSupply())
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vintages[0]
	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Eligible))

	require.NoError(t, f.pool.Deposit(ctx, holder, v, 2000))
	assert.Equal(t, int64(2000), f.pool.BalanceOf(holder))
	assert.Zero(t, f.lots.BalanceOf(v, holder))
	assert.Equal(t, int64(2000), f.pool.Reserve(v))
	assert.Zero(t, f.lots.TotalSupply(v))

	// reclassification does not trap pooled balances
	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Ineligible))
	require.NoError(t, f.pool.Withdraw(ctx, holder, v, 500))
	assert.Equal(t, int64(1500), f.pool.BalanceOf(holder))
	assert.Equal(t, int64(500), f.lots.BalanceOf(v, holder))
	assert.Equal(t, int64(1500), f.pool.Reserve(v))

	totals := f.pool.Totals()
	assert.Equal(t, int64(1500), totals.TotalSupply)
	assert.Equal(t, totals.Deposited-totals.Withdrawn, totals.BalanceSum)
	assert.Equal(t, totals.BalanceSum, totals.ReserveSum)

	stats, err := f.lots.Stats(v)
	require.NoError(t, err)
	assert.Equal(t, stats.Minted-stats.Burned, stats.TotalSupply)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vintages[0]
	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Eligible))

	assert.True(t, apperr.IsKind(f.pool.Deposit(ctx, holder, v, 0), apperr.KindInvalidAmount))
	assert.True(t, apperr.IsKind(f.pool.Deposit(ctx, holder, v, -1), apperr.KindInvalidAmount))
	assert.True(t, apperr.IsKind(f.pool.Deposit(ctx, holder, v, 2001), apperr.KindInsufficientBalance))
	assert.True(t, apperr.IsKind(f.pool.Deposit(ctx, other, v, 1), apperr.KindInsufficientBalance))
	assert.Empty(t, f.recorder.OfType(events.PoolDeposited))
}

func TestWithdrawChecksPerVintageReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.vintages[0], f.vintages[1]
	require.NoError(t, f.pool.AddToAllowList(ctx, admin, []uint64{a, b}))
	require.NoError(t, f.pool.Deposit(ctx, holder, a, 1000))
	require.NoError(t, f.pool.Deposit(ctx, holder, b, 200))

	// the holder owns enough pool tokens but vintage b only backs 200
	err := f.pool.Withdraw(ctx, holder, b, 300)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientReserve))
	err = f.pool.Withdraw(ctx, holder, a, 1201)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientBalance))
	err = f.pool.Withdraw(ctx, holder, a, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidAmount))
	assert.Equal(t, int64(1200), f.pool.BalanceOf(holder))

	require.NoError(t, f.pool.Withdraw(ctx, holder, b, 200))
	assert.Zero(t, f.pool.Reserve(b))
	assert.Equal(t, int64(2000), f.lots.BalanceOf(b, holder))

	reserves := f.pool.Reserves()
	require.Len(t, reserves, 2)
	assert.Equal(t, VintageReserve{VintageID: a, Classification: Eligible, Reserve: 1000}, reserves[0])
	assert.Equal(t, VintageReserve{VintageID: b, Classification: Eligible, Reserve: 0}, reserves[1])
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vintages[0]
	require.NoError(t, f.pool.SetEligibility(ctx, admin, v, Eligible))
	require.NoError(t, f.pool.Deposit(ctx, holder, v, 1000))

	require.NoError(t, f.pool.Transfer(ctx, holder, other, 400))
	assert.Equal(t, int64(600), f.pool.BalanceOf(holder))
	assert.Equal(t, int64(400), f.pool.BalanceOf(other))

	assert.True(t, apperr.IsKind(f.pool.Transfer(ctx, other, holder, 401), apperr.KindInsufficientBalance))
	assert.True(t, apperr.IsKind(f.pool.Transfer(ctx, other, holder, 0), apperr.KindInvalidAmount))
	assert.True(t, apperr.IsKind(f.pool.Transfer(ctx, other, "", 1), apperr.KindInvalidInput))
	assert.Equal(t, int64(1000), f.pool.Totals().BalanceSum)
}

// MockLotLedger is a mock implementation of the LotLedger interface
type MockLotLedger struct {
	mock.Mock
}

func (m *MockLotLedger) BalanceOf(vintageID uint64, holder access.Identity) int64 {
	args := m.Called(vintageID, holder)
	return args.Get(0).(int64)
}

func (m *MockLotLedger) Burn(ctx context.Context, caller access.Identity, vintageID uint64, from access.Identity, amount int64) error {
	args := m.Called(ctx, caller, vintageID, from, amount)
	return args.Error(0)
}

func (m *MockLotLedger) Mint(ctx context.Context, caller access.Identity, req lots.MintRequest) error {
	args := m.Called(ctx, caller, req)
	return args.Error(0)
}

// MockVintageLookup is a mock implementation of the VintageLookup interface
type MockVintageLookup struct {
	mock.Mock
}

func (m *MockVintageLookup) Vintage(id uint64) (catalog.Vintage, error) {
	args := m.Called(id)
	return args.Get(0).(catalog.Vintage), args.Error(1)
}

func TestDepositLeavesPoolUntouchedWhenBurnFails(t *testing.T) {
	ledger := new(MockLotLedger)
	vintages := new(MockVintageLookup)
	vintages.On("Vintage", uint64(1)).Return(catalog.Vintage{ID: 1}, nil)
	roles := access.NewRoleTable(map[access.Role][]access.Identity{access.RoleAdmin: {admin}})
	p := NewEngine(ledger, vintages, roles, nil, nil)
	ctx := context.Background()

	err := p.Deposit(ctx, holder, 1, 10)
	assert.True(t, apperr.IsKind(err, apperr.KindDirectoryNotSet))

	require.NoError(t, p.SetDirectory(directory.Defaults()))
	require.NoError(t, p.SetEligibility(ctx, admin, 1, Eligible))
	ledger.On("BalanceOf", uint64(1), holder).Return(int64(10))
	ledger.On("Burn", mock.Anything, access.Identity("component:pool"), uint64(1), holder, int64(10)).
		Return(apperr.New(apperr.KindNotBurner, "lots.Burn", "denied"))

	err = p.Deposit(ctx, holder, 1, 10)
	assert.True(t, apperr.IsKind(err, apperr.KindNotBurner))
	assert.Zero(t, p.BalanceOf(holder))
	assert.Zero(t, p.Reserve(1))
	ledger.AssertExpectations(t)
}

func TestDepositCannotOverflowPoolSupply(t *testing.T) {
	ledger := new(MockLotLedger)
	vintages := new(MockVintageLookup)
	vintages.On("Vintage", mock.Anything).Return(catalog.Vintage{ID: 1}, nil)
	roles := access.NewRoleTable(map[access.Role][]access.Identity{access.RoleAdmin: {admin}})
	p := NewEngine(ledger, vintages, roles, nil, nil)
	require.NoError(t, p.SetDirectory(directory.Defaults()))
	ctx := context.Background()
	require.NoError(t, p.AddToAllowList(ctx, admin, []uint64{1, 2}))

	ledger.On("BalanceOf", mock.Anything, holder).Return(int64(math.MaxInt64))
	ledger.On("Burn", mock.Anything, access.Identity("component:pool"), mock.Anything, holder, mock.Anything).Return(nil)

	require.NoError(t, p.Deposit(ctx, holder, 1, math.MaxInt64))
	err := p.Deposit(ctx, holder, 2, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidAmount))

	assert.Equal(t, int64(math.MaxInt64), p.TotalSupply())
	assert.Zero(t, p.Reserve(2))
	ledger.AssertNumberOfCalls(t, "Burn", 1)
}

func TestParseClassification(t *testing.T) {
	c, ok := ParseClassification(" Eligible ")
	assert.True(t, ok)
	assert.Equal(t, Eligible, c)
	_, ok = ParseClassification("unclassified")
	assert.False(t, ok)
}
