package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/cache"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/metrics"
	"github.com/lendfabric/backend/internal/pii"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/strategy"
)

// ===== FAKES =====

type fakeStore struct {
	loans      map[uuid.UUID]*loan.Loan
	byHash     map[string]*loan.Loan
	active     map[string]bool
	history    []*loan.StatusChange
	statistics *loan.Statistics
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		loans:  map[uuid.UUID]*loan.Loan{},
		byHash: map[string]*loan.Loan{},
		active: map[string]bool{},
	}
}

func (f *fakeStore) Create(_ context.Context, l *loan.Loan) error {
	l.ID = uuid.New()
	l.CreatedAt = time.Now()
	l.UpdatedAt = l.CreatedAt
	f.loans[l.ID] = l
	f.byHash[l.DocumentHash] = l
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*loan.Loan, error) {
	if l, ok := f.loans[id]; ok {
		copied := *l
		return &copied, nil
	}
	return nil, loan.ErrNotFound
}

func (f *fakeStore) GetByDocumentHash(_ context.Context, hash, _ string) (*loan.Loan, error) {
	if l, ok := f.byHash[hash]; ok {
		return l, nil
	}
	return nil, loan.ErrNotFound
}

func (f *fakeStore) HasActiveApplication(_ context.Context, hash, _ string) (bool, error) {
	return f.active[hash], nil
}

func (f *fakeStore) List(_ context.Context, _ loan.ListFilter) ([]*loan.Loan, error) {
	var out []*loan.Loan
	for _, l := range f.loans {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeStore) Count(_ context.Context, _ loan.ListFilter) (int64, error) {
	return int64(len(f.loans)), nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to loan.Status, changedBy *uuid.UUID, reason string, _ loan.JSONMap) error {
	l, ok := f.loans[id]
	if !ok {
		return loan.ErrNotFound
	}
	if err := loan.CheckTransition(from, to); err != nil {
		return err
	}
	l.Status = to
	f.history = append(f.history, &loan.StatusChange{
		LoanID: id, PreviousStatus: &from, NewStatus: to, ChangedBy: changedBy, Reason: reason,
	})
	return nil
}

func (f *fakeStore) StatusHistory(_ context.Context, id uuid.UUID) ([]*loan.StatusChange, error) {
	var out []*loan.StatusChange
	for _, c := range f.history {
		if c.LoanID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) Statistics(_ context.Context, _ string) (*loan.Statistics, error) {
	if f.statistics != nil {
		return f.statistics, nil
	}
	return &loan.Statistics{ByStatus: map[string]int64{}, ByCountry: map[string]int64{}}, nil
}

type enqueued struct {
	queue    string
	payload  map[string]any
	priority int
}

type fakeQueue struct {
	jobs []enqueued
}

func (f *fakeQueue) Enqueue(_ context.Context, queueName string, payload any, opts queue.EnqueueOptions) (int64, error) {
	f.jobs = append(f.jobs, enqueued{
		queue: queueName, payload: payload.(map[string]any), priority: opts.Priority,
	})
	return int64(len(f.jobs)), nil
}

func (f *fakeQueue) byQueue(name string) []enqueued {
	var out []enqueued
	for _, j := range f.jobs {
		if j.queue == name {
			out = append(out, j)
		}
	}
	return out
}

type fakeCache struct {
	deleted  []string
	patterns []string
}

func (f *fakeCache) Get(context.Context, string, any) error { return cache.ErrMiss }
func (f *fakeCache) Set(context.Context, string, any, time.Duration) error {
	return nil
}
func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	return nil
}
func (f *fakeCache) DeletePattern(_ context.Context, pattern string) error {
	f.patterns = append(f.patterns, pattern)
	return nil
}

// ===== SETUP =====

func newTestService(t *testing.T) (*LoanService, *fakeStore, *fakeQueue, *fakeCache) {
	t.Helper()
	codec, err := pii.NewCodec("service-test-secret")
	require.NoError(t, err)

	store := newFakeStore()
	jobs := &fakeQueue{}
	c := &fakeCache{}
	svc := NewLoanService(store, jobs, c, strategy.NewRegistry(), codec,
		metrics.NewMetrics(prometheus.NewRegistry()))
	return svc, store, jobs, c
}

func validInput() CreateInput {
	return CreateInput{
		CountryCode:    "ES",
		DocumentType:   "DNI",
		DocumentNumber: "12345678Z",
		FullName:       "Carmen Ruiz",
		Amount:         decimal.NewFromInt(5000),
		MonthlyIncome:  decimal.NewFromInt(3000),
	}
}

// ===== CREATE =====

func TestCreateStoresEncryptedApplication(t *testing.T) {
	svc, store, jobs, _ := newTestService(t)

	result, err := svc.Create(context.Background(), validInput(), nil)
	require.NoError(t, err)
	l := result.Loan

	assert.Equal(t, loan.StatusPending, l.Status)
	assert.Equal(t, "EUR", l.Currency)
	require.NotNil(t, l.RiskScore)

	// PII never stored in the clear
	assert.NotEqual(t, "12345678Z", l.DocumentNumber)
	assert.NotEqual(t, "Carmen Ruiz", l.FullName)
	assert.Equal(t, pii.HashDocument("12345678Z", "ES"), l.DocumentHash)
	assert.Contains(t, store.loans, l.ID)

	// Risk evaluation queued with the scoring context
	risk := jobs.byQueue(queue.QueueRiskEvaluation)
	require.Len(t, risk, 1)
	assert.Equal(t, l.ID.String(), risk[0].payload["loan_id"])
	assert.Equal(t, "ES", risk[0].payload["country_code"])

	audit := jobs.byQueue(queue.QueueAudit)
	require.Len(t, audit, 1)
	assert.Equal(t, "CREATE", audit[0].payload["action"])
}

func TestCreateRejectsInvalidDocument(t *testing.T) {
	svc, _, jobs, _ := newTestService(t)

	in := validInput()
	in.DocumentNumber = "12345678A" // wrong check letter

	_, err := svc.Create(context.Background(), in, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Errors)
	assert.Empty(t, jobs.jobs)
}

func TestCreateRejectsUnsupportedCountry(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	in := validInput()
	in.CountryCode = "US"

	_, err := svc.Create(context.Background(), in, nil)
	var unsupported *strategy.ErrUnsupportedCountry
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "US", unsupported.CountryCode)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.active[pii.HashDocument("12345678Z", "ES")] = true

	_, err := svc.Create(context.Background(), validInput(), nil)
	assert.ErrorIs(t, err, ErrDuplicateApplication)
}

func TestCreatePrioritizesReviewCases(t *testing.T) {
	svc, _, jobs, _ := newTestService(t)

	in := validInput()
	in.Amount = decimal.NewFromInt(20000) // above the review threshold
	in.MonthlyIncome = decimal.NewFromInt(9000)

	result, err := svc.Create(context.Background(), in, nil)
	require.NoError(t, err)
	assert.True(t, result.Loan.RequiresReview)

	risk := jobs.byQueue(queue.QueueRiskEvaluation)
	require.Len(t, risk, 1)
	assert.Equal(t, 1, risk[0].priority)
}

func TestCreatePersistsWarningsAndRiskFactors(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	in := validInput()
	in.Amount = decimal.NewFromInt(20000) // above the review threshold
	in.MonthlyIncome = decimal.NewFromInt(9000)
	in.ExtraData = loan.JSONMap{"channel": "branch"}

	result, err := svc.Create(context.Background(), in, nil)
	require.NoError(t, err)

	stored := store.loans[result.Loan.ID]
	require.Contains(t, stored.ExtraData, "validation_warnings")
	require.Contains(t, stored.ExtraData, "risk_factors")
	assert.NotEmpty(t, stored.ExtraData["validation_warnings"])
	assert.Equal(t, "branch", stored.ExtraData["channel"], "caller extras survive the merge")
}

// ===== STATUS UPDATES =====

func createLoan(t *testing.T, svc *LoanService, store *fakeStore, status loan.Status) *loan.Loan {
	t.Helper()
	result, err := svc.Create(context.Background(), validInput(), nil)
	require.NoError(t, err)
	store.loans[result.Loan.ID].Status = status
	return result.Loan
}

func TestUpdateStatusRequiresDecidingRole(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusInReview)

	viewer := &Actor{UserID: uuid.New(), Role: auth.RoleViewer}
	_, err := svc.UpdateStatus(context.Background(), l.ID, loan.StatusApproved, viewer, "looks fine")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.UpdateStatus(context.Background(), l.ID, loan.StatusApproved, nil, "system")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateStatusApprovalFlow(t *testing.T) {
	svc, store, jobs, c := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusInReview)

	analyst := &Actor{UserID: uuid.New(), Role: auth.RoleAnalyst}
	updated, err := svc.UpdateStatus(context.Background(), l.ID, loan.StatusApproved, analyst, "manual review passed")
	require.NoError(t, err)
	assert.Equal(t, loan.StatusApproved, updated.Status)

	notifications := jobs.byQueue(queue.QueueNotifications)
	require.Len(t, notifications, 1)
	assert.Equal(t, "loan_approved", notifications[0].payload["notification_type"])
	assert.Equal(t, 2, notifications[0].priority)

	// Audit trail: CREATE from intake plus the STATUS_CHANGE
	audit := jobs.byQueue(queue.QueueAudit)
	require.Len(t, audit, 2)
	assert.Equal(t, "STATUS_CHANGE", audit[1].payload["action"])

	// Cache invalidation touched the loan, stats and list keys
	assert.Contains(t, c.deleted, "loan:"+l.ID.String())
	assert.Contains(t, c.deleted, "stats:loans:ES")
	assert.Contains(t, c.deleted, "stats:loans:all")
	assert.Contains(t, c.patterns, "loans:*")
}

func TestUpdateStatusRejectionNotification(t *testing.T) {
	svc, store, jobs, _ := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusInReview)

	admin := &Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
	_, err := svc.UpdateStatus(context.Background(), l.ID, loan.StatusRejected, admin, "insufficient income")
	require.NoError(t, err)

	notifications := jobs.byQueue(queue.QueueNotifications)
	require.Len(t, notifications, 1)
	assert.Equal(t, "loan_rejected", notifications[0].payload["notification_type"])
}

func TestUpdateStatusBlocksInvalidTransition(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusRejected)

	_, err := svc.UpdateStatus(context.Background(), l.ID, loan.StatusDisbursed, nil, "")
	var invalid *loan.ErrInvalidTransition
	assert.ErrorAs(t, err, &invalid)
}

func TestCancellationNeedsNoSpecialRole(t *testing.T) {
	svc, store, jobs, _ := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusPending)

	updated, err := svc.UpdateStatus(context.Background(), l.ID, loan.StatusCancelled, nil, "applicant withdrew")
	require.NoError(t, err)
	assert.Equal(t, loan.StatusCancelled, updated.Status)
	assert.Empty(t, jobs.byQueue(queue.QueueNotifications))
}

// ===== LOOKUP AND PII =====

func TestLookupByDocument(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	created := createLoan(t, svc, store, loan.StatusPending)

	// Separators and case must not matter
	found, err := svc.Lookup(context.Background(), "ES", "12345678z")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = svc.Lookup(context.Background(), "ES", "87654321X")
	assert.ErrorIs(t, err, loan.ErrNotFound)
}

func TestRevealDocumentByRole(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusPending)

	assert.Equal(t, "12345678Z", svc.RevealDocument(l, auth.RoleAdmin))
	assert.Equal(t, "12345678Z", svc.RevealDocument(l, auth.RoleAnalyst))

	masked := svc.RevealDocument(l, auth.RoleViewer)
	assert.NotEqual(t, "12345678Z", masked)
	assert.True(t, strings.HasSuffix(masked, "678Z"))

	assert.Equal(t, "Carmen Ruiz", svc.RevealName(l))
}

func TestGetServesFromStoreOnCacheMiss(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	l := createLoan(t, svc, store, loan.StatusPending)

	got, err := svc.Get(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	_, err = svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, loan.ErrNotFound)
}

func TestListPaginationEnvelope(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		l := &loan.Loan{ID: uuid.New(), CountryCode: "ES", Status: loan.StatusPending}
		store.loans[l.ID] = l
	}

	page, err := svc.List(context.Background(), loan.ListFilter{}, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 2, page.PageSize)
	assert.Equal(t, 2, page.Pages)
	assert.Len(t, page.Items, 3, "fake store ignores limits; envelope math is what matters")
}

func TestListClampsPageInputs(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	page, err := svc.List(context.Background(), loan.ListFilter{}, 0, 5000)
	require.NoError(t, err)

	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)
	assert.NotNil(t, page.Items)
}
