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

	loandomain "github.com/wyfcoding/lamf/internal/loan/domain"
	"github.com/wyfcoding/lamf/internal/origination/domain"
)

// fakeApplicationRepo 内存仓储。Get 返回 JSON 深拷贝，模拟从数据库还原的聚合。
type fakeApplicationRepo struct {
	apps     map[string]*domain.LoanApplication
	saveErrs []error
	saves    int
}

func newFakeApplicationRepo() *fakeApplicationRepo {
	return &fakeApplicationRepo{apps: map[string]*domain.LoanApplication{}}
}

func cloneApplication(app *domain.LoanApplication) *domain.LoanApplication {
	data, _ := json.Marshal(app)
	var out domain.LoanApplication
	_ = json.Unmarshal(data, &out)
	out.Version = app.Version
	return &out
}

func (r *fakeApplicationRepo) Create(_ context.Context, app *domain.LoanApplication) error {
	r.apps[app.ApplicationID] = cloneApplication(app)
	return nil
}

func (r *fakeApplicationRepo) Get(_ context.Context, applicationID string) (*domain.LoanApplication, error) {
	app, ok := r.apps[applicationID]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	return cloneApplication(app), nil
}

func (r *fakeApplicationRepo) Save(_ context.Context, app *domain.LoanApplication) error {
	r.saves++
	if len(r.saveErrs) > 0 {
		err := r.saveErrs[0]
		r.saveErrs = r.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	app.Version++
	r.apps[app.ApplicationID] = cloneApplication(app)
	return nil
}

func (r *fakeApplicationRepo) ListByCustomer(_ context.Context, customerID string) ([]*domain.LoanApplication, error) {
	var out []*domain.LoanApplication
	for _, app := range r.apps {
		if app.CustomerID == customerID {
			out = append(out, cloneApplication(app))
		}
	}
	return out, nil
}

func (r *fakeApplicationRepo) ListByStatus(_ context.Context, statuses ...domain.ApplicationStatus) ([]*domain.LoanApplication, error) {
	var out []*domain.LoanApplication
	for _, app := range r.apps {
		for _, status := range statuses {
			if app.Status == status {
				out = append(out, cloneApplication(app))
			}
		}
	}
	return out, nil
}

func (r *fakeApplicationRepo) ListExpirable(_ context.Context, before time.Time) ([]*domain.LoanApplication, error) {
	var out []*domain.LoanApplication
	for _, app := range r.apps {
		if app.ExpiresAt.Before(before) {
			out = append(out, cloneApplication(app))
		}
	}
	return out, nil
}

type fakeProductRepo struct {
	products map[string]*domain.LoanProduct
}

func (r *fakeProductRepo) Get(_ context.Context, productCode string) (*domain.LoanProduct, error) {
	p, ok := r.products[productCode]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (r *fakeProductRepo) List(_ context.Context) ([]*domain.LoanProduct, error) {
	var out []*domain.LoanProduct
	for _, p := range r.products {
		out = append(out, p)
	}
	return out, nil
}

// fakeCollateralPort 返回固定汇总值并记录跨上下文调用
type fakeCollateralPort struct {
	totalValue decimal.Decimal
	eligible   decimal.Decimal
	attached   map[string][]string
	liens      []string
}

func newFakeCollateralPort(totalValue, eligible int64) *fakeCollateralPort {
	return &fakeCollateralPort{
		totalValue: decimal.NewFromInt(totalValue),
		eligible:   decimal.NewFromInt(eligible),
		attached:   map[string][]string{},
	}
}

func (p *fakeCollateralPort) AttachToApplication(_ context.Context, collateralIDs []string, applicationID string) (decimal.Decimal, decimal.Decimal, error) {
	p.attached[applicationID] = append(p.attached[applicationID], collateralIDs...)
	return p.totalValue, p.eligible, nil
}

func (p *fakeCollateralPort) ApplicationSummary(_ context.Context, _ string) (decimal.Decimal, decimal.Decimal, error) {
	return p.totalValue, p.eligible, nil
}

func (p *fakeCollateralPort) MarkLiens(_ context.Context, applicationID string) error {
	p.liens = append(p.liens, applicationID)
	return nil
}

// txRecorder 记录放款事务内的写操作
type txRecorder struct {
	repo  *fakeApplicationRepo
	loans []*loandomain.Loan
	links map[string]string
}

func (r *txRecorder) SaveApplication(app *domain.LoanApplication) error {
	app.Version++
	r.repo.apps[app.ApplicationID] = cloneApplication(app)
	return nil
}

func (r *txRecorder) CreateLoan(loan *loandomain.Loan) error {
	r.loans = append(r.loans, loan)
	return nil
}

func (r *txRecorder) LinkCollateralToLoan(collateralID, loanID string) error {
	r.links[collateralID] = loanID
	return nil
}

type fakeUow struct {
	tx    *txRecorder
	calls int
}

func (u *fakeUow) WithinTx(_ context.Context, fn func(repos TxRepos) error) error {
	u.calls++
	return fn(u.tx)
}

type seqGen struct{ n int }

func (g *seqGen) Next(prefix string) string {
	g.n++
	return fmt.Sprintf("%s%03d", prefix, g.n)
}

func testProduct() *domain.LoanProduct {
	return &domain.LoanProduct{
		ProductCode:             "LAMF-STD",
		Name:                    "Loan Against Mutual Funds",
		InterestRate:            decimal.NewFromInt(10),
		MinAmount:               decimal.NewFromInt(10000),
		MaxAmount:               decimal.NewFromInt(1000000),
		MinTenureMonths:         3,
		MaxTenureMonths:         36,
		ProcessingFeePercent:    decimal.NewFromInt(1),
		PrepaymentChargePercent: decimal.NewFromInt(2),
		Active:                  true,
	}
}

type fixture struct {
	svc   *ApplicationService
	repo  *fakeApplicationRepo
	port  *fakeCollateralPort
	uow   *fakeUow
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newFakeApplicationRepo()
	port := newFakeCollateralPort(100000, 50000)
	uow := &fakeUow{tx: &txRecorder{repo: repo, links: map[string]string{}}}
	products := &fakeProductRepo{products: map[string]*domain.LoanProduct{"LAMF-STD": testProduct()}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &fixture{repo: repo, port: port, uow: uow, clock: &now}
	f.svc = NewApplicationService(repo, products, port, uow, &seqGen{}, nil, logger, 30).
		WithClock(func() time.Time { return *f.clock })
	return f
}

func (f *fixture) createApplication(t *testing.T) *domain.LoanApplication {
	t.Helper()
	app, err := f.svc.CreateApplication(context.Background(), CreateApplicationCommand{
		CustomerID:      "CUST1",
		ProductCode:     "LAMF-STD",
		RequestedAmount: decimal.NewFromInt(50000),
		TenureMonths:    12,
		CollateralIDs:   []string{"COL1"},
		Source:          domain.SourceWeb,
	})
	require.NoError(t, err)
	return app
}

func (f *fixture) approvedApplication(t *testing.T) *domain.LoanApplication {
	t.Helper()
	ctx := context.Background()
	app := f.createApplication(t)
	_, err := f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusSubmitted, "")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusUnderReview, "")
	require.NoError(t, err)
	approved, err := f.svc.Approve(ctx, app.ApplicationID, ApproveCommand{})
	require.NoError(t, err)
	return approved
}

func TestCreateApplication(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches collateral and persists", func(t *testing.T) {
		f := newFixture(t)
		app := f.createApplication(t)

		assert.Equal(t, "APP001", app.ApplicationID)
		assert.Equal(t, "500.00", app.ProcessingFee.StringFixed(2))
		assert.Equal(t, "100000", app.TotalCollateralValue.String())
		assert.Equal(t, "50000", app.EligibleLoanAmount.String())
		assert.Equal(t, []string{"COL1"}, f.port.attached["APP001"])

		stored, err := f.repo.Get(ctx, "APP001")
		require.NoError(t, err)
		assert.Equal(t, domain.ApplicationStatusDraft, stored.Status)
	})

	t.Run("insufficient collateral is rejected before persisting", func(t *testing.T) {
		f := newFixture(t)
		f.port.totalValue = decimal.NewFromInt(80000)
		f.port.eligible = decimal.NewFromInt(40000)

		_, err := f.svc.CreateApplication(ctx, CreateApplicationCommand{
			CustomerID:      "CUST1",
			ProductCode:     "LAMF-STD",
			RequestedAmount: decimal.NewFromInt(50000),
			TenureMonths:    12,
			CollateralIDs:   []string{"COL1"},
			Source:          domain.SourceWeb,
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
		assert.Empty(t, f.repo.apps)
	})

	t.Run("unknown product", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateApplication(ctx, CreateApplicationCommand{
			CustomerID:      "CUST1",
			ProductCode:     "NOPE",
			RequestedAmount: decimal.NewFromInt(50000),
			TenureMonths:    12,
		})
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("api channel gets a request id", func(t *testing.T) {
		f := newFixture(t)
		app, err := f.svc.CreateApplication(ctx, CreateApplicationCommand{
			CustomerID:      "CUST1",
			ProductCode:     "LAMF-STD",
			RequestedAmount: decimal.NewFromInt(50000),
			TenureMonths:    12,
			Source:          domain.SourceAPI,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, app.APIRequestID)
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	t.Run("marks liens on the way through", func(t *testing.T) {
		f := newFixture(t)
		approved := f.approvedApplication(t)

		assert.Equal(t, domain.ApplicationStatusApproved, approved.Status)
		assert.Equal(t, "50000", approved.ApprovedAmount.String())
		assert.Equal(t, 12, approved.ApprovedTenureMonths)
		assert.Equal(t, []string{approved.ApplicationID}, f.port.liens)

		stored, _ := f.repo.Get(ctx, approved.ApplicationID)
		assert.Equal(t, domain.ApplicationStatusApproved, stored.Status)
	})

	t.Run("status route delegates to approval", func(t *testing.T) {
		f := newFixture(t)
		app := f.createApplication(t)
		_, err := f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusSubmitted, "")
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusUnderReview, "")
		require.NoError(t, err)

		updated, err := f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusApproved, "ok")
		require.NoError(t, err)
		assert.Equal(t, domain.ApplicationStatusApproved, updated.Status)
		assert.Len(t, f.port.liens, 1)
	})

	t.Run("replays on optimistic lock conflict", func(t *testing.T) {
		f := newFixture(t)
		app := f.createApplication(t)
		_, err := f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusSubmitted, "")
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusUnderReview, "")
		require.NoError(t, err)

		savesBefore := f.repo.saves
		f.repo.saveErrs = []error{domain.ErrConcurrentModification}
		approved, err := f.svc.Approve(ctx, app.ApplicationID, ApproveCommand{})
		require.NoError(t, err)

		assert.Equal(t, domain.ApplicationStatusApproved, approved.Status)
		assert.Equal(t, savesBefore+2, f.repo.saves)
	})

	t.Run("eligibility is rechecked at approval", func(t *testing.T) {
		f := newFixture(t)
		app := f.createApplication(t)
		_, err := f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusSubmitted, "")
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, app.ApplicationID, domain.ApplicationStatusUnderReview, "")
		require.NoError(t, err)

		// 审批前行情下跌，可贷额度不足
		f.port.totalValue = decimal.NewFromInt(80000)
		f.port.eligible = decimal.NewFromInt(40000)
		_, err = f.svc.Approve(ctx, app.ApplicationID, ApproveCommand{})
		assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
		assert.Empty(t, f.port.liens)
	})
}

func TestDisburse(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the loan in one transaction", func(t *testing.T) {
		f := newFixture(t)
		app := f.approvedApplication(t)

		loan, err := f.svc.Disburse(ctx, app.ApplicationID)
		require.NoError(t, err)

		assert.Equal(t, "50000", loan.PrincipalAmount.String())
		assert.Equal(t, 12, loan.TenureMonths)
		assert.Equal(t, "4395.79", loan.EmiAmount.StringFixed(2))
		assert.Equal(t, "50.00", loan.CurrentLtv.StringFixed(2))
		require.Len(t, loan.Schedule, 12)

		require.Equal(t, 1, f.uow.calls)
		require.Len(t, f.uow.tx.loans, 1)
		assert.Equal(t, loan.LoanID, f.uow.tx.loans[0].LoanID)
		assert.Equal(t, loan.LoanID, f.uow.tx.links["COL1"])

		stored, _ := f.repo.Get(ctx, app.ApplicationID)
		assert.Equal(t, domain.ApplicationStatusDisbursed, stored.Status)
		assert.Equal(t, loan.LoanID, stored.LoanID)
	})

	t.Run("requires an approved application", func(t *testing.T) {
		f := newFixture(t)
		app := f.createApplication(t)

		_, err := f.svc.Disburse(ctx, app.ApplicationID)
		assert.ErrorIs(t, err, domain.ErrInvalidApplicationState)
		assert.Zero(t, f.uow.calls)
	})

	t.Run("is not repeatable", func(t *testing.T) {
		f := newFixture(t)
		app := f.approvedApplication(t)
		_, err := f.svc.Disburse(ctx, app.ApplicationID)
		require.NoError(t, err)

		_, err = f.svc.Disburse(ctx, app.ApplicationID)
		assert.ErrorIs(t, err, domain.ErrInvalidApplicationState)
		assert.Equal(t, 1, f.uow.calls)
	})
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := f.createApplication(t)
	exempt := f.approvedApplication(t)

	// 越过 30 天有效期
	*f.clock = f.clock.AddDate(0, 0, 31)

	report, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Expired)

	expired, _ := f.repo.Get(ctx, stale.ApplicationID)
	assert.Equal(t, domain.ApplicationStatusExpired, expired.Status)
	untouched, _ := f.repo.Get(ctx, exempt.ApplicationID)
	assert.Equal(t, domain.ApplicationStatusApproved, untouched.Status)

	// 幂等:再次巡检无新增
	report, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
}

func TestAddCollateral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	app := f.createApplication(t)

	f.port.totalValue = decimal.NewFromInt(130000)
	f.port.eligible = decimal.NewFromInt(65000)

	updated, err := f.svc.AddCollateral(ctx, app.ApplicationID, "COL2")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"COL1", "COL2"}, updated.CollateralIDs)
	assert.Equal(t, "130000", updated.TotalCollateralValue.String())
	assert.Equal(t, "65000", updated.EligibleLoanAmount.String())
	assert.Equal(t, []string{"COL1", "COL2"}, f.port.attached[app.ApplicationID])
}

func TestProductRateLookup(t *testing.T) {
	products := &fakeProductRepo{products: map[string]*domain.LoanProduct{"LAMF-STD": testProduct()}}
	lookup := NewProductRateLookup(products)

	pct, err := lookup.ForeclosureChargePercent(context.Background(), "LAMF-STD")
	require.NoError(t, err)
	assert.Equal(t, "2", pct.String())

	_, err = lookup.ForeclosureChargePercent(context.Background(), "NOPE")
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}
