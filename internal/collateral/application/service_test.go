package application

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/lamf/internal/collateral/domain"
)

// fakeCollateralRepo 内存仓储。Get 返回 JSON 深拷贝，模拟从数据库还原的聚合。
type fakeCollateralRepo struct {
	collaterals map[string]*domain.Collateral
}

func newFakeCollateralRepo() *fakeCollateralRepo {
	return &fakeCollateralRepo{collaterals: map[string]*domain.Collateral{}}
}

func cloneCollateral(c *domain.Collateral) *domain.Collateral {
	data, _ := json.Marshal(c)
	var out domain.Collateral
	_ = json.Unmarshal(data, &out)
	out.Version = c.Version
	return &out
}

func (r *fakeCollateralRepo) Create(_ context.Context, c *domain.Collateral) error {
	r.collaterals[c.CollateralID] = cloneCollateral(c)
	return nil
}

func (r *fakeCollateralRepo) Get(_ context.Context, collateralID string) (*domain.Collateral, error) {
	c, ok := r.collaterals[collateralID]
	if !ok {
		return nil, domain.ErrCollateralNotFound
	}
	return cloneCollateral(c), nil
}

func (r *fakeCollateralRepo) Save(_ context.Context, c *domain.Collateral) error {
	c.Version++
	r.collaterals[c.CollateralID] = cloneCollateral(c)
	return nil
}

func (r *fakeCollateralRepo) list(match func(*domain.Collateral) bool) []*domain.Collateral {
	var out []*domain.Collateral
	for _, c := range r.collaterals {
		if match(c) {
			out = append(out, cloneCollateral(c))
		}
	}
	return out
}

func (r *fakeCollateralRepo) ListByLoan(_ context.Context, loanID string) ([]*domain.Collateral, error) {
	return r.list(func(c *domain.Collateral) bool { return c.LoanID == loanID }), nil
}

func (r *fakeCollateralRepo) ListByApplication(_ context.Context, applicationID string) ([]*domain.Collateral, error) {
	return r.list(func(c *domain.Collateral) bool { return c.ApplicationID == applicationID }), nil
}

func (r *fakeCollateralRepo) ListByIsin(_ context.Context, isin string) ([]*domain.Collateral, error) {
	return r.list(func(c *domain.Collateral) bool {
		return c.Isin == isin && c.Status == domain.CollateralStatusActive
	}), nil
}

func (r *fakeCollateralRepo) ListByCustomer(_ context.Context, customerID string) ([]*domain.Collateral, error) {
	return r.list(func(c *domain.Collateral) bool { return c.CustomerID == customerID }), nil
}

// fakeLoanPort 记录贷后联动调用
type fakeLoanPort struct {
	exposures  map[string]decimal.Decimal
	releasable map[string]bool
	synced     map[string]decimal.Decimal
	triggered  []string
	resolved   []string
}

func newFakeLoanPort() *fakeLoanPort {
	return &fakeLoanPort{
		exposures:  map[string]decimal.Decimal{},
		releasable: map[string]bool{},
		synced:     map[string]decimal.Decimal{},
	}
}

func (p *fakeLoanPort) Exposure(_ context.Context, loanID string) (decimal.Decimal, error) {
	return p.exposures[loanID], nil
}

func (p *fakeLoanPort) SyncCollateralValue(_ context.Context, loanID string, totalValue decimal.Decimal) error {
	p.synced[loanID] = totalValue
	return nil
}

func (p *fakeLoanPort) TriggerMarginCall(_ context.Context, loanID string) error {
	p.triggered = append(p.triggered, loanID)
	return nil
}

func (p *fakeLoanPort) ResolveMarginCall(_ context.Context, loanID string) error {
	p.resolved = append(p.resolved, loanID)
	return nil
}

func (p *fakeLoanPort) Releasable(_ context.Context, loanID string) (bool, error) {
	return p.releasable[loanID], nil
}

type seqGen struct{ n int }

func (g *seqGen) Next(prefix string) string {
	g.n++
	return fmt.Sprintf("%s%03d", prefix, g.n)
}

var testNow = time.Date(2026, 5, 20, 11, 0, 0, 0, time.UTC)

func newTestService(repo *fakeCollateralRepo, port *fakeLoanPort) *CollateralService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewCollateralService(repo, port, &seqGen{}, nil, logger, decimal.RequireFromString("0.8"))
	return svc.WithClock(func() time.Time { return testNow })
}

func seedCollateral(t *testing.T, repo *fakeCollateralRepo, collateralID, isin, loanID string) *domain.Collateral {
	t.Helper()
	c, err := domain.NewCollateral(collateralID, "CUST1", "APP1",
		"Axis AMC", "Axis Bluechip Fund", isin, "FOLIO123", domain.FundTypeEquity,
		decimal.NewFromInt(100), decimal.NewFromInt(500), decimal.NewFromInt(50),
		testNow.AddDate(0, -3, 0))
	require.NoError(t, err)
	if loanID != "" {
		require.NoError(t, c.AttachLoan(loanID, c.CreatedAt))
	}
	require.NoError(t, repo.Create(context.Background(), c))
	return c
}

func TestPledge(t *testing.T) {
	repo := newFakeCollateralRepo()
	svc := newTestService(repo, newFakeLoanPort())

	c, err := svc.Pledge(context.Background(), PledgeCommand{
		CustomerID:  "CUST1",
		FundHouse:   "HDFC AMC",
		SchemeName:  "HDFC Top 100",
		Isin:        "INF179K01VY8",
		FolioNumber: "FOLIO987",
		FundType:    domain.FundTypeEquity,
		Units:       decimal.NewFromInt(200),
		Nav:         decimal.NewFromInt(250),
		LtvPercent:  decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	assert.Equal(t, "COL001", c.CollateralID)
	assert.Equal(t, "50000.00", c.CurrentValue.StringFixed(2))
	assert.Equal(t, "25000.00", c.EligibleLoanAmount.StringFixed(2))

	stored, err := svc.Get(context.Background(), "COL001")
	require.NoError(t, err)
	assert.Equal(t, domain.CollateralStatusActive, stored.Status)
}

func TestUpdateNav(t *testing.T) {
	ctx := context.Background()

	t.Run("syncs the linked loan and triggers a margin call", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		port := newFakeLoanPort()
		port.exposures["LN1"] = decimal.NewFromInt(70000)
		svc := newTestService(repo, port)
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")

		// NAV 500 → 400：市值 40000 对敞口 70000，覆盖率 0.571
		c, err := svc.UpdateNav(ctx, "COL1", decimal.NewFromInt(400))
		require.NoError(t, err)
		assert.Equal(t, "40000.00", c.CurrentValue.StringFixed(2))

		assert.Equal(t, "40000.00", port.synced["LN1"].StringFixed(2))
		assert.Equal(t, []string{"LN1"}, port.triggered)

		stored, _ := repo.Get(ctx, "COL1")
		assert.True(t, stored.MarginCallTriggered)
	})

	t.Run("no margin call when coverage holds", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		port := newFakeLoanPort()
		port.exposures["LN1"] = decimal.NewFromInt(40000)
		svc := newTestService(repo, port)
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")

		_, err := svc.UpdateNav(ctx, "COL1", decimal.NewFromInt(700))
		require.NoError(t, err)
		assert.Empty(t, port.triggered)
	})

	t.Run("unlinked collateral skips loan sync", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		port := newFakeLoanPort()
		svc := newTestService(repo, port)
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "")

		_, err := svc.UpdateNav(ctx, "COL1", decimal.NewFromInt(550))
		require.NoError(t, err)
		assert.Empty(t, port.synced)
	})
}

func TestBulkNavUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCollateralRepo()
	port := newFakeLoanPort()
	port.exposures["LN1"] = decimal.NewFromInt(120000)
	svc := newTestService(repo, port)

	// 同一 ISIN 两笔持仓挂同一贷款
	seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")
	seedCollateral(t, repo, "COL2", "INF846K01EW2", "LN1")

	report, err := svc.BulkNavUpdate(ctx, []NavUpdate{
		{Isin: "INF846K01EW2", Nav: decimal.NewFromInt(400)},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Revalued)
	assert.Equal(t, 1, report.LoansSynced)
	assert.Equal(t, 1, report.MarginCallsTriggered)

	// 市值按贷款维度汇总后同步一次
	assert.Equal(t, "80000.00", port.synced["LN1"].StringFixed(2))
	assert.Equal(t, []string{"LN1"}, port.triggered)
}

func TestResolveMarginCall(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCollateralRepo()
	port := newFakeLoanPort()
	port.exposures["LN1"] = decimal.NewFromInt(70000)
	svc := newTestService(repo, port)
	seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")

	_, err := svc.UpdateNav(ctx, "COL1", decimal.NewFromInt(400))
	require.NoError(t, err)
	stored, _ := repo.Get(ctx, "COL1")
	require.True(t, stored.MarginCallTriggered)

	require.NoError(t, svc.ResolveMarginCall(ctx, "LN1"))

	stored, _ = repo.Get(ctx, "COL1")
	assert.False(t, stored.MarginCallTriggered)
	assert.Equal(t, []string{"LN1"}, port.resolved)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked while the loan is live", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		port := newFakeLoanPort()
		port.releasable["LN1"] = false
		svc := newTestService(repo, port)
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")

		_, err := svc.Release(ctx, "COL1")
		assert.ErrorIs(t, err, domain.ErrInvalidCollateralState)
	})

	t.Run("allowed once the loan is terminal", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		port := newFakeLoanPort()
		port.releasable["LN1"] = true
		svc := newTestService(repo, port)
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")

		released, err := svc.Release(ctx, "COL1")
		require.NoError(t, err)
		assert.Equal(t, domain.CollateralStatusReleased, released.Status)
		assert.Equal(t, domain.LienStatusReleased, released.LienStatus)
	})

	t.Run("unlinked collateral releases without the loan check", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		svc := newTestService(repo, newFakeLoanPort())
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "")

		released, err := svc.Release(ctx, "COL1")
		require.NoError(t, err)
		assert.Equal(t, domain.CollateralStatusReleased, released.Status)
	})
}

func TestMarkLiens(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCollateralRepo()
	svc := newTestService(repo, newFakeLoanPort())

	seedCollateral(t, repo, "COL1", "INF846K01EW2", "")
	seedCollateral(t, repo, "COL2", "INF179K01VY8", "")

	require.NoError(t, svc.MarkLiens(ctx, "APP1"))

	c1, _ := repo.Get(ctx, "COL1")
	c2, _ := repo.Get(ctx, "COL2")
	assert.Equal(t, domain.LienStatusMarked, c1.LienStatus)
	assert.Equal(t, domain.LienStatusMarked, c2.LienStatus)
	assert.NotEmpty(t, c1.LienID)

	// 重放安全：已登记的跳过
	lienBefore := c1.LienID
	require.NoError(t, svc.MarkLiens(ctx, "APP1"))
	c1, _ = repo.Get(ctx, "COL1")
	assert.Equal(t, lienBefore, c1.LienID)
}

func TestUpdateLien(t *testing.T) {
	ctx := context.Background()

	t.Run("mark records the depository reference", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		svc := newTestService(repo, newFakeLoanPort())
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "")

		c, err := svc.UpdateLien(ctx, "COL1", domain.LienStatusMarked, "CAMS-REF-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LienStatusMarked, c.LienStatus)
		assert.Equal(t, "CAMS-REF-1", c.LienReferenceNumber)
		assert.NotEmpty(t, c.LienID)
	})

	t.Run("invoke requires a marked lien", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		svc := newTestService(repo, newFakeLoanPort())
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "")

		_, err := svc.UpdateLien(ctx, "COL1", domain.LienStatusInvoked, "CAMS-INV-1")
		assert.ErrorIs(t, err, domain.ErrInvalidCollateralState)

		_, err = svc.UpdateLien(ctx, "COL1", domain.LienStatusMarked, "")
		require.NoError(t, err)
		c, err := svc.UpdateLien(ctx, "COL1", domain.LienStatusInvoked, "CAMS-INV-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LienStatusInvoked, c.LienStatus)
		assert.Equal(t, domain.CollateralStatusLiquidated, c.Status)
	})

	t.Run("release target delegates to the loan guard", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		port := newFakeLoanPort()
		port.releasable["LN1"] = false
		svc := newTestService(repo, port)
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "LN1")

		_, err := svc.UpdateLien(ctx, "COL1", domain.LienStatusReleased, "")
		assert.ErrorIs(t, err, domain.ErrInvalidCollateralState)
	})

	t.Run("unknown target", func(t *testing.T) {
		repo := newFakeCollateralRepo()
		svc := newTestService(repo, newFakeLoanPort())
		seedCollateral(t, repo, "COL1", "INF846K01EW2", "")

		_, err := svc.UpdateLien(ctx, "COL1", domain.LienStatus("BOGUS"), "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestAttachToApplication(t *testing.T) {
	ctx := context.Background()
	repo := newFakeCollateralRepo()
	svc := newTestService(repo, newFakeLoanPort())

	seedCollateral(t, repo, "COL1", "INF846K01EW2", "")
	seedCollateral(t, repo, "COL2", "INF179K01VY8", "")

	// seed 时已挂 APP1，重复挂接同一申请幂等
	totalValue, eligible, err := svc.AttachToApplication(ctx, []string{"COL1", "COL2"}, "APP1")
	require.NoError(t, err)
	assert.Equal(t, "100000.00", totalValue.StringFixed(2))
	assert.Equal(t, "50000.00", eligible.StringFixed(2))

	sumValue, sumEligible, err := svc.ApplicationSummary(ctx, "APP1")
	require.NoError(t, err)
	assert.Equal(t, "100000.00", sumValue.StringFixed(2))
	assert.Equal(t, "50000.00", sumEligible.StringFixed(2))

	// 改挂其它申请被拒绝
	_, _, err = svc.AttachToApplication(ctx, []string{"COL1"}, "APP2")
	assert.ErrorIs(t, err, domain.ErrInvalidCollateralState)
}
