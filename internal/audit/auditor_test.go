package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbon-scribe/bridge-backend/internal/batches"
	"carbon-scribe/bridge-backend/internal/bridge"
	"carbon-scribe/bridge-backend/internal/lots"
	"carbon-scribe/bridge-backend/internal/pool"
)

// MockLotSource is a mock implementation of the LotSource interface
type MockLotSource struct {
	mock.Mock
}

func (m *MockLotSource) Lots() []lots.LotRef {
	args := m.Called()
	return args.Get(0).([]lots.LotRef)
}

func (m *MockLotSource) Stats(vintageID uint64) (lots.Stats, error) {
	args := m.Called(vintageID)
	return args.Get(0).(lots.Stats), args.Error(1)
}

type batchList []batches.Batch

func (b batchList) Batches() []batches.Batch { return b }

type poolTotals pool.Totals

func (p poolTotals) Totals() pool.Totals { return pool.Totals(p) }

type bridgeLog struct {
	total   int64
	records []bridge.TransferRecord
}

func (b bridgeLog) Snapshot() (int64, []bridge.TransferRecord) { return b.total, b.records }

func fractionalized(id, vintageID uint64, qty int64) batches.Batch {
	return batches.Batch{
		ID: id,
		Stage: batches.FractionalizedStage{ConfirmedStage: batches.ConfirmedStage{LinkedStage: batches.LinkedStage{
			DataSetStage: batches.DataSetStage{SerialNumber: "SN", Quantity: qty},
			VintageID:    vintageID,
		}}},
	}
}

func TestCleanLedger(t *testing.T) {
	src := new(MockLotSource)
	src.On("Lots").Return([]lots.LotRef{{VintageID: 1, Symbol: "TCO2-A-2017"}})
	src.On("Stats", uint64(1)).Return(lots.Stats{
		TotalSupply: 1500, BalanceSum: 1500, Minted: 2500, Burned: 1000, Fractionalized: 2000,
	}, nil)

	a := NewAuditor(src,
		batchList{fractionalized(1, 1, 2000), {ID: 2, Stage: batches.EmptyStage{}}},
		poolTotals{TotalSupply: 500, BalanceSum: 500, ReserveSum: 500, Deposited: 1000, Withdrawn: 500},
		bridgeLog{total: 30, records: []bridge.TransferRecord{{Amount: 10}, {Amount: 20}}},
		nil)

	report := a.Run(context.Background())
	assert.True(t, report.Clean(), "%v", report.Findings)
	assert.Equal(t, 7, report.Checks)
	src.AssertExpectations(t)
}

func TestFindings(t *testing.T) {
	src := new(MockLotSource)
	src.On("Lots").Return([]lots.LotRef{{VintageID: 1, Symbol: "TCO2-A-2017"}})
	src.On("Stats", uint64(1)).Return(lots.Stats{
		TotalSupply: 100, BalanceSum: 90, Minted: 100, Burned: 0, Fractionalized: 100,
	}, nil)

	a := NewAuditor(src,
		batchList{fractionalized(1, 1, 100), fractionalized(2, 5, 40)},
		poolTotals{TotalSupply: 10, BalanceSum: 10, ReserveSum: 9, Deposited: 10},
		bridgeLog{total: 31, records: []bridge.TransferRecord{{Amount: 30}}},
		nil)

	report := a.Run(context.Background())
	require.False(t, report.Clean())

	checks := make(map[string]Finding)
	for _, f := range report.Findings {
		checks[f.Check+"/"+f.Subject] = f
	}
	assert.Equal(t, Finding{Check: "lot_balances_equal_supply", Subject: "TCO2-A-2017", Expected: 100, Actual: 90},
		checks["lot_balances_equal_supply/TCO2-A-2017"])
	assert.Contains(t, checks, "lot_fractionalized_matches_batches/vintage:5")
	assert.Contains(t, checks, "pool_reserves_back_supply/pool")
	assert.Contains(t, checks, "bridge_total_equals_records/bridge")
	assert.Len(t, report.Findings, 4)
	assert.Equal(t, "pool_reserves_back_supply on pool: expected 10, got 9", checks["pool_reserves_back_supply/pool"].String())
}

func TestNilSourcesAreSkipped(t *testing.T) {
	report := NewAuditor(nil, nil, nil, nil, nil).Run(context.Background())
	assert.True(t, report.Clean())
	assert.Zero(t, report.Checks)
}

// MockRunner is a mock implementation of the Runner interface
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context) Report {
	args := m.Called(ctx)
	return args.Get(0).(Report)
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything).Return(Report{Checks: 3})

	s, err := NewScheduler("@every 1s", runner, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := s.Last()
		return ok
	}, 5*time.Second, 50*time.Millisecond)
	last, _ := s.Last()
	assert.Equal(t, 3, last.Checks)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("every minute", new(MockRunner), nil)
	assert.Error(t, err)
}

func TestRunNowRecordsReport(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything).Return(Report{Findings: []Finding{{Check: "x"}}}).Once()
	s, err := NewScheduler("0 */5 * * * *", runner, nil)
	require.NoError(t, err)

	_, ok := s.Last()
	assert.False(t, ok)
	report := s.RunNow(context.Background())
	assert.False(t, report.Clean())
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, report, last)
	s.Stop()
}
