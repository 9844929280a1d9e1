package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/payment"
	"kasira/backend/internal/realtime"
	"kasira/backend/internal/store"
	"kasira/backend/internal/store/memory"
)

const (
	ownerPassword   = "rahasia-owner"
	cashierPassword = "rahasia-kasir"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	t.Setenv("SEED_OWNER_PASSWORD", ownerPassword)
	t.Setenv("SEED_CASHIER_PASSWORD", cashierPassword)
	repo := memory.NewSeeded()
	return New(repo, realtime.NewNotifier(), nil, nil), repo
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "u-owner", Role: domain.RoleOwner})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "u-kasir", Role: domain.RoleCashier, BranchID: "b1"})
}

func addProduct(t *testing.T, repo *memory.Store, stock int) *domain.Product {
	t.Helper()
	p, err := repo.CreateProduct(context.Background(), domain.Product{
		BranchID:  "b1",
		Name:      "Ayam Bakar",
		Category:  "Makanan",
		Price:     10000,
		CostPrice: 6000,
		Stock:     stock,
	})
	if err != nil {
		t.Fatalf("seed product failed: %v", err)
	}
	return p
}

func countEvents(n *realtime.Notifier, channel string, event string) *atomic.Int32 {
	var count atomic.Int32
	n.Subscribe(channel, event, func(context.Context, realtime.Event) error {
		count.Add(1)
		return nil
	})
	return &count
}

func sell(productID string, qty int, method string) domain.TransactionCreateRequest {
	return domain.TransactionCreateRequest{
		BranchID:      "b1",
		Items:         []domain.TransactionLineRequest{{ProductID: productID, Quantity: qty}},
		PaymentMethod: method,
	}
}

func TestCashSaleSettlesImmediately(t *testing.T) {
	svc, repo := newTestService(t)
	p := addProduct(t, repo, 5)
	created := countEvents(svc.Notifier(), realtime.OwnerChannel("u-owner"), domain.EventTransactionCreated)
	stock := countEvents(svc.Notifier(), realtime.BranchChannel("b1"), domain.EventStockChanged)

	tx, err := svc.CreateTransaction(cashierCtx(), sell(p.ID, 3, domain.PaymentCash))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tx.Subtotal != 30000 || tx.PaymentStatus != domain.PaymentSuccess || tx.SettledAt == nil {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if tx.CashierID != "u-kasir" {
		t.Fatalf("expected cashier from actor, got %s", tx.CashierID)
	}
	after, _ := repo.GetProduct(context.Background(), p.ID)
	if after.Stock != 2 {
		t.Fatalf("expected stock 2, got %d", after.Stock)
	}
	if created.Load() != 1 || stock.Load() != 1 {
		t.Fatalf("expected one transaction-created and one stock-changed, got %d and %d", created.Load(), stock.Load())
	}
}

func TestOutOfStockLeavesNothingBehind(t *testing.T) {
	svc, repo := newTestService(t)
	p := addProduct(t, repo, 2)

	_, err := svc.CreateTransaction(cashierCtx(), domain.TransactionCreateRequest{
		BranchID: "b1",
		Items: []domain.TransactionLineRequest{
			{ProductID: "p1", Quantity: 1},
			{ProductID: p.ID, Quantity: 3},
		},
		PaymentMethod: domain.PaymentCash,
	})
	var oos *store.OutOfStockError
	if !errors.As(err, &oos) || oos.ProductName != "Ayam Bakar" {
		t.Fatalf("expected out of stock for Ayam Bakar, got %v", err)
	}

	after, _ := repo.GetProduct(context.Background(), p.ID)
	first, _ := repo.GetProduct(context.Background(), "p1")
	if after.Stock != 2 || first.Stock != 50 {
		t.Fatalf("stock mutated: %d / %d", after.Stock, first.Stock)
	}
	txs, _ := repo.ListTransactions(context.Background(), store.TransactionFilter{})
	if len(txs) != 0 {
		t.Fatalf("expected no transaction, got %d", len(txs))
	}
}

func TestRepeatedLinesAreMerged(t *testing.T) {
	svc, _ := newTestService(t)
	tx, err := svc.CreateTransaction(cashierCtx(), domain.TransactionCreateRequest{
		BranchID: "b1",
		Items: []domain.TransactionLineRequest{
			{ProductID: "p2", Quantity: 1},
			{ProductID: "p1", Quantity: 1},
			{ProductID: "p2", Quantity: 2},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(tx.Items) != 2 || tx.Items[0].ProductID != "p2" || tx.Items[0].Quantity != 3 {
		t.Fatalf("expected merged lines in first-seen order, got %+v", tx.Items)
	}
}

func TestDiscountAboveTotalIsRejected(t *testing.T) {
	svc, repo := newTestService(t)
	req := sell("p2", 1, domain.PaymentCash)
	req.Discount = 6000

	if _, err := svc.CreateTransaction(cashierCtx(), req); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	p, _ := repo.GetProduct(context.Background(), "p2")
	if p.Stock != 100 {
		t.Fatalf("expected stock untouched, got %d", p.Stock)
	}
}

func TestCashierCannotSellForAnotherBranch(t *testing.T) {
	svc, _ := newTestService(t)
	req := sell("p3", 1, domain.PaymentCash)
	req.BranchID = "b2"
	if _, err := svc.CreateTransaction(cashierCtx(), req); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	mixed := sell("p3", 1, domain.PaymentCash)
	if _, err := svc.CreateTransaction(cashierCtx(), mixed); !errors.Is(err, store.ErrUnauthorizedBranch) {
		t.Fatalf("expected unauthorized branch for foreign product, got %v", err)
	}
}

type brokenInitiator struct{}

func (brokenInitiator) Method() string { return domain.PaymentQRIS }

func (brokenInitiator) Initiate(context.Context, payment.Intent) (payment.Initiation, error) {
	return payment.Initiation{}, errors.New("gateway timeout")
}

func TestUpstreamFailureAbortsTransaction(t *testing.T) {
	t.Setenv("SEED_OWNER_PASSWORD", ownerPassword)
	t.Setenv("SEED_CASHIER_PASSWORD", cashierPassword)
	repo := memory.NewSeeded()
	svc := New(repo, nil, payment.NewRegistry(payment.Cash{}, brokenInitiator{}), nil)

	_, err := svc.CreateTransaction(cashierCtx(), sell("p1", 2, domain.PaymentQRIS))
	if !errors.Is(err, store.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	p, _ := repo.GetProduct(context.Background(), "p1")
	if p.Stock != 50 {
		t.Fatalf("expected stock untouched, got %d", p.Stock)
	}
}

func TestTransferSettlementNotifiesOnce(t *testing.T) {
	svc, repo := newTestService(t)
	created := countEvents(svc.Notifier(), realtime.OwnerChannel("u-owner"), domain.EventTransactionCreated)
	updates := countEvents(svc.Notifier(), realtime.BranchChannel("b1"), domain.EventPaymentStatusUpdated)

	req := sell("p1", 2, domain.PaymentTransfer)
	req.Bank = "bni"
	tx, err := svc.CreateTransaction(cashierCtx(), req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tx.PaymentStatus != domain.PaymentPending || tx.PaymentDetails == nil {
		t.Fatalf("expected pending transfer with details, got %+v", tx)
	}
	if tx.PaymentDetails.Bank != "BNI" || !strings.HasPrefix(tx.PaymentDetails.VANumber, "88000") || len(tx.PaymentDetails.VANumber) != 13 {
		t.Fatalf("unexpected virtual account %+v", tx.PaymentDetails)
	}
	if created.Load() != 0 {
		t.Fatalf("pending sale must not announce revenue")
	}

	settled, err := svc.ApplySettlement(context.Background(), tx.ID, domain.PaymentSuccess)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settled.PaymentStatus != domain.PaymentSuccess {
		t.Fatalf("expected success, got %s", settled.PaymentStatus)
	}
	before, _ := svc.FinancialReport(ownerCtx(), domain.ReportFilter{})

	if _, err := svc.ApplySettlement(context.Background(), tx.ID, domain.PaymentSuccess); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected duplicate settlement, got %v", err)
	}
	if _, err := svc.ApplySettlement(context.Background(), tx.ID, domain.PaymentFailed); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	after, _ := svc.FinancialReport(ownerCtx(), domain.ReportFilter{})

	if created.Load() != 1 || updates.Load() != 1 {
		t.Fatalf("expected exactly one notification each, got created=%d updates=%d", created.Load(), updates.Load())
	}
	if before.Stats != after.Stats || after.Stats.OrderCount != 1 || after.Stats.Revenue != 50000 {
		t.Fatalf("duplicate settlement changed stats: %+v vs %+v", before.Stats, after.Stats)
	}
	p, _ := repo.GetProduct(context.Background(), "p1")
	if p.Stock != 48 {
		t.Fatalf("settlement must not decrement again, stock %d", p.Stock)
	}
}

func TestFailedSettlementReleasesStock(t *testing.T) {
	svc, repo := newTestService(t)
	var released []domain.StockChange
	svc.Notifier().Subscribe(realtime.BranchChannel("b1"), domain.EventStockChanged, func(_ context.Context, evt realtime.Event) error {
		if e, ok := evt.Payload.(domain.StockChangedEvent); ok && e.Reason == domain.StockReasonRelease {
			released = e.Changes
		}
		return nil
	})

	tx, err := svc.CreateTransaction(cashierCtx(), sell("p2", 4, domain.PaymentQRIS))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tx.PaymentDetails == nil || tx.PaymentDetails.QRPayload != "KASIRA-TX-"+tx.ID {
		t.Fatalf("unexpected QR payload %+v", tx.PaymentDetails)
	}
	if _, err := svc.SettleTransaction(cashierCtx(), tx.ID, domain.PaymentFailed); err != nil {
		t.Fatalf("manual settle failed: %v", err)
	}
	p, _ := repo.GetProduct(context.Background(), "p2")
	if p.Stock != 100 {
		t.Fatalf("expected stock released, got %d", p.Stock)
	}
	if len(released) != 1 || released[0].Delta != 4 {
		t.Fatalf("expected positive release delta, got %+v", released)
	}
}

func TestListenerPanicDoesNotAbortSale(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Notifier().Subscribe(realtime.BranchChannel("b1"), realtime.Wildcard, func(context.Context, realtime.Event) error {
		panic("broken dashboard")
	})
	later := countEvents(svc.Notifier(), realtime.BranchChannel("b1"), domain.EventStockChanged)

	if _, err := svc.CreateTransaction(cashierCtx(), sell("p1", 1, domain.PaymentCash)); err != nil {
		t.Fatalf("sale must survive a failing listener: %v", err)
	}
	if later.Load() != 1 {
		t.Fatalf("sibling listener was not called")
	}
}

func TestExpireStalePayments(t *testing.T) {
	svc, repo := newTestService(t)
	base := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	stale, err := svc.CreateTransaction(cashierCtx(), sell("p1", 2, domain.PaymentTransfer))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	svc.now = func() time.Time { return base.Add(14 * time.Minute) }
	if _, err := svc.CreateTransaction(cashierCtx(), sell("p1", 1, domain.PaymentTransfer)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	svc.now = func() time.Time { return base.Add(20 * time.Minute) }
	n, err := svc.ExpireStalePayments(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired payment, got %d", n)
	}
	got, _ := repo.GetTransaction(context.Background(), stale.ID)
	if got.PaymentStatus != domain.PaymentExpired {
		t.Fatalf("expected expired, got %s", got.PaymentStatus)
	}
	p, _ := repo.GetProduct(context.Background(), "p1")
	if p.Stock != 49 {
		t.Fatalf("expected only the fresh sale to hold stock, got %d", p.Stock)
	}
}

func TestAuthenticateRejectsExpiredSubscription(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	user, err := svc.Authenticate(ctx, domain.LoginRequest{Email: "Owner@Kasira.id", Password: ownerPassword})
	if err != nil || user.ID != "u-owner" {
		t.Fatalf("expected owner login, got %v %v", user.ID, err)
	}
	if _, err := svc.Authenticate(ctx, domain.LoginRequest{Email: "owner@kasira.id", Password: "salah"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	owner, _ := repo.GetUser(ctx, "u-owner")
	past := time.Now().Add(-time.Hour)
	owner.ExpiredAt = &past
	if _, err := repo.UpdateUser(ctx, *owner); err != nil {
		t.Fatalf("update owner failed: %v", err)
	}

	if _, err := svc.Authenticate(ctx, domain.LoginRequest{Email: "owner@kasira.id", Password: ownerPassword}); !errors.Is(err, store.ErrSubscriptionExpired) {
		t.Fatalf("expected subscription expired, got %v", err)
	}
	stored, _ := repo.GetUser(ctx, "u-owner")
	if stored.Status != domain.AccountExpired {
		t.Fatalf("expected expired status persisted, got %s", stored.Status)
	}
	if _, err := svc.Authenticate(ctx, domain.LoginRequest{Email: "kasir@kasira.id", Password: cashierPassword}); !errors.Is(err, store.ErrSubscriptionExpired) {
		t.Fatalf("cashier must inherit owner expiry, got %v", err)
	}
}

func TestPaidRegistrationActivatesOnCallback(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.RegisterPaid(ctx, domain.PaidRegistrationRequest{
		Name:          "Sari",
		Email:         "sari@warung.id",
		Password:      "rahasia123",
		BusinessName:  "Warung Sari",
		Package:       "pro",
		PaymentMethod: "transfer",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if resp.User.Status != domain.AccountPendingPayment || resp.Registration.Amount != 199000 {
		t.Fatalf("unexpected registration %+v", resp)
	}
	details := resp.Registration.PaymentDetails
	if details == nil || details.Bank != "MANDIRI" || !strings.HasPrefix(details.VANumber, "88920") || len(details.VANumber) != 14 {
		t.Fatalf("unexpected registration payment details %+v", details)
	}

	if _, err := svc.Authenticate(ctx, domain.LoginRequest{Email: "sari@warung.id", Password: "rahasia123"}); !errors.Is(err, store.ErrSubscriptionExpired) {
		t.Fatalf("pending account must not log in, got %v", err)
	}

	done, err := svc.HandleRegistrationCallback(ctx, domain.RegistrationCallbackRequest{RegistrationID: resp.Registration.ID, Status: "success"})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if done.User.Status != domain.AccountActive || done.User.ExpiredAt == nil {
		t.Fatalf("expected active owner, got %+v", done.User)
	}
	if _, err := svc.HandleRegistrationCallback(ctx, domain.RegistrationCallbackRequest{RegistrationID: resp.Registration.ID, Status: "success"}); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected duplicate callback, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, domain.LoginRequest{Email: "sari@warung.id", Password: "rahasia123"}); err != nil {
		t.Fatalf("active owner login failed: %v", err)
	}

	if _, err := svc.RegisterPaid(ctx, domain.PaidRegistrationRequest{
		Name: "Sari", Email: "sari@warung.id", Password: "rahasia123", BusinessName: "Warung", Package: "pro", PaymentMethod: "QRIS",
	}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}
}

func TestRegisterTrial(t *testing.T) {
	svc, _ := newTestService(t)
	user, err := svc.RegisterTrial(context.Background(), domain.TrialRegistrationRequest{
		Name: "Budi", Email: "budi@kopi.id", Password: "rahasia123", BusinessName: "Kopi Budi",
	})
	if err != nil {
		t.Fatalf("register trial failed: %v", err)
	}
	if user.Status != domain.AccountTrial || user.ExpiredAt == nil {
		t.Fatalf("unexpected trial user %+v", user)
	}
	days := user.ExpiredAt.Sub(user.CreatedAt).Hours() / 24
	if days < 6.9 || days > 7.1 {
		t.Fatalf("expected 7 day trial, got %.2f days", days)
	}
}

func TestCatalogMutationsRequireOwner(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{BranchID: "b1", Name: "Teh", Category: "Minuman", Price: 3000})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := svc.DeleteBranch(cashierCtx(), "b1"); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized delete, got %v", err)
	}
	if _, err := svc.ListProducts(context.Background(), ""); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected anonymous access to fail, got %v", err)
	}

	products, err := svc.ListProducts(cashierCtx(), "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, p := range products {
		if p.BranchID != "b1" {
			t.Fatalf("cashier saw product of branch %s", p.BranchID)
		}
	}
}

func TestAdjustStockPublishesAndGuardsNegative(t *testing.T) {
	svc, _ := newTestService(t)
	changed := countEvents(svc.Notifier(), realtime.BranchChannel("b1"), domain.EventStockChanged)

	p, err := svc.AdjustStock(ownerCtx(), "p1", domain.StockAdjustRequest{Amount: -10, Note: "rusak"})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if p.Stock != 40 || changed.Load() != 1 {
		t.Fatalf("unexpected adjust result stock=%d events=%d", p.Stock, changed.Load())
	}
	if _, err := svc.AdjustStock(ownerCtx(), "p1", domain.StockAdjustRequest{Amount: -41}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	moves, err := svc.ListStockMovements(ownerCtx(), "p1", 10)
	if err != nil || len(moves) != 1 || moves[0].Note != "rusak" {
		t.Fatalf("unexpected movements %+v %v", moves, err)
	}
}

func TestStaffLifecycleAndBranchCascade(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := ownerCtx()

	staff, err := svc.CreateStaff(ctx, domain.StaffCreateRequest{Name: "Rina", Email: "rina@kasira.id", Password: "rahasia123", BranchID: "b2"})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	list, _ := svc.ListStaff(ctx)
	if len(list) != 3 {
		t.Fatalf("expected 3 cashiers, got %d", len(list))
	}

	if err := svc.DeleteBranch(ctx, "b2"); err != nil {
		t.Fatalf("delete branch failed: %v", err)
	}
	if _, err := repo.GetUser(context.Background(), staff.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cashier removed with branch, got %v", err)
	}
	products, _ := svc.ListProducts(ctx, "")
	for _, p := range products {
		if p.BranchID == "b2" {
			t.Fatalf("product %s survived branch delete", p.ID)
		}
	}
}

func TestReportsAndExport(t *testing.T) {
	svc, _ := newTestService(t)
	for _, req := range []domain.TransactionCreateRequest{
		sell("p1", 2, domain.PaymentCash),
		sell("p2", 4, domain.PaymentTransfer),
	} {
		if _, err := svc.CreateTransaction(cashierCtx(), req); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	rep, err := svc.FinancialReport(ownerCtx(), domain.ReportFilter{})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if rep.Stats.OrderCount != 1 || rep.Stats.Revenue != 50000 || rep.Stats.NetProfit != 20000 {
		t.Fatalf("unexpected stats %+v", rep.Stats)
	}

	var buf bytes.Buffer
	if err := svc.ExportCSV(ownerCtx(), &buf, domain.ReportFilter{}); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "Invoice,Date,Revenue,COGS,Discount,NetProfit,Tax" {
		t.Fatalf("unexpected csv %q", buf.String())
	}

	cmp, err := svc.CompareBranches(ownerCtx(), nil, nil)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	if len(cmp.Branches) != 2 || cmp.Branches[0].BranchID != "b1" || cmp.Branches[0].BestSeller != "Nasi Goreng" || cmp.Branches[1].BestSeller != domain.NoBestSeller {
		t.Fatalf("unexpected comparison %+v", cmp.Branches)
	}
	if _, err := svc.CompareBranches(cashierCtx(), nil, nil); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("cashier must not compare branches, got %v", err)
	}

	insights, err := svc.Insights(ownerCtx(), nil, nil)
	if err != nil {
		t.Fatalf("insights failed: %v", err)
	}
	if insights.OwnerID != "u-owner" || len(insights.Insights) == 0 {
		t.Fatalf("unexpected insights %+v", insights)
	}
}

func TestAuthorizeChannel(t *testing.T) {
	svc, _ := newTestService(t)

	allowed := []struct {
		ctx     context.Context
		channel string
	}{
		{ownerCtx(), realtime.OwnerChannel("u-owner")},
		{ownerCtx(), realtime.BranchChannel("b2")},
		{cashierCtx(), realtime.BranchChannel("b1")},
	}
	for _, tc := range allowed {
		if err := svc.AuthorizeChannel(tc.ctx, tc.channel); err != nil {
			t.Fatalf("expected %s to be allowed, got %v", tc.channel, err)
		}
	}

	denied := []struct {
		ctx     context.Context
		channel string
		want    error
	}{
		{ownerCtx(), realtime.OwnerChannel("someone-else"), store.ErrUnauthorized},
		{cashierCtx(), realtime.OwnerChannel("u-owner"), store.ErrUnauthorized},
		{cashierCtx(), realtime.BranchChannel("b2"), store.ErrUnauthorized},
		{ownerCtx(), "inventory.b1", store.ErrValidation},
		{context.Background(), realtime.BranchChannel("b1"), store.ErrUnauthorized},
	}
	for _, tc := range denied {
		if err := svc.AuthorizeChannel(tc.ctx, tc.channel); !errors.Is(err, tc.want) {
			t.Fatalf("channel %s: expected %v, got %v", tc.channel, tc.want, err)
		}
	}
}

func TestCategoriesAreScopedPerOwner(t *testing.T) {
	svc, repo := newTestService(t)
	if _, err := repo.CreateUser(context.Background(), domain.User{
		ID: "u-owner2", Name: "Dewi", Email: "dewi@warung.id", Role: domain.RoleOwner, Status: domain.AccountActive,
	}); err != nil {
		t.Fatalf("seed second owner: %v", err)
	}
	otherCtx := WithActor(context.Background(), domain.Actor{UserID: "u-owner2", Role: domain.RoleOwner})

	mine, err := svc.CreateCategory(ownerCtx(), domain.CategoryCreateRequest{Name: "Snack"})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	if mine.OwnerID != "u-owner" {
		t.Fatalf("expected category owned by u-owner, got %q", mine.OwnerID)
	}
	theirs, err := svc.CreateCategory(otherCtx, domain.CategoryCreateRequest{Name: "snack"})
	if err != nil {
		t.Fatalf("second owner must be able to reuse the name, got %v", err)
	}
	if _, err := svc.CreateCategory(otherCtx, domain.CategoryCreateRequest{Name: "makanan"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict with shared category, got %v", err)
	}

	for _, id := range []string{"c1", mine.ID} {
		if err := svc.DeleteCategory(otherCtx, id); !errors.Is(err, store.ErrUnauthorized) {
			t.Fatalf("delete %s by another owner: expected ErrUnauthorized, got %v", id, err)
		}
	}
	if err := svc.DeleteCategory(ownerCtx(), "c1"); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("shared category must not be deletable, got %v", err)
	}

	listed, err := svc.ListCategories(cashierCtx())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := map[string]bool{}
	for _, c := range listed {
		names[c.ID] = true
	}
	if !names["c1"] || !names["c2"] || !names[mine.ID] || names[theirs.ID] {
		t.Fatalf("cashier should see shared and own-tenant categories only, got %+v", listed)
	}

	if err := svc.DeleteCategory(otherCtx, theirs.ID); err != nil {
		t.Fatalf("owner deleting own category: %v", err)
	}
}

func TestPaymentMethodIsCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)

	tx, err := svc.CreateTransaction(cashierCtx(), sell("p1", 1, " cash "))
	if err != nil {
		t.Fatalf("lower-case method rejected: %v", err)
	}
	if tx.PaymentMethod != domain.PaymentCash || tx.PaymentStatus != domain.PaymentSuccess {
		t.Fatalf("expected settled cash sale, got %s/%s", tx.PaymentMethod, tx.PaymentStatus)
	}
}

// retryingStore runs the finalizer twice per create, the way a store does
// after a serialization failure rolls back the first attempt.
type retryingStore struct {
	*memory.Store
	attempts int
}

func (r *retryingStore) CreateTransaction(ctx context.Context, draft domain.Transaction, finalize store.Finalizer) (*domain.Transaction, error) {
	return r.Store.CreateTransaction(ctx, draft, func(tx *domain.Transaction) error {
		rolledBack := *tx
		r.attempts++
		if err := finalize(&rolledBack); err != nil {
			return err
		}
		r.attempts++
		return finalize(tx)
	})
}

type countingInitiator struct {
	calls atomic.Int32
}

func (c *countingInitiator) Method() string { return domain.PaymentTransfer }

func (c *countingInitiator) Initiate(_ context.Context, intent payment.Intent) (payment.Initiation, error) {
	c.calls.Add(1)
	return payment.Initiation{
		Status:  domain.PaymentPending,
		Details: &domain.PaymentDetails{Bank: "BNI", VANumber: "88000" + intent.Reference},
	}, nil
}

func TestRetriedCreateInitiatesPaymentOnce(t *testing.T) {
	t.Setenv("SEED_OWNER_PASSWORD", ownerPassword)
	t.Setenv("SEED_CASHIER_PASSWORD", cashierPassword)
	repo := &retryingStore{Store: memory.NewSeeded()}
	initiator := &countingInitiator{}
	svc := New(repo, nil, payment.NewRegistry(initiator), nil)

	tx, err := svc.CreateTransaction(cashierCtx(), sell("p1", 2, domain.PaymentTransfer))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if repo.attempts != 2 {
		t.Fatalf("expected finalizer to run twice, ran %d", repo.attempts)
	}
	if got := initiator.calls.Load(); got != 1 {
		t.Fatalf("expected one payment initiation, got %d", got)
	}
	if tx.PaymentDetails == nil || tx.PaymentDetails.VANumber != "88000"+tx.ID {
		t.Fatalf("expected details keyed on the transaction id, got %+v", tx.PaymentDetails)
	}
}

func TestStockEventsNetToSoldQuantity(t *testing.T) {
	svc, repo := newTestService(t)
	net := map[string]int{}
	svc.Notifier().Subscribe(realtime.BranchChannel("b1"), domain.EventStockChanged, func(_ context.Context, evt realtime.Event) error {
		if e, ok := evt.Payload.(domain.StockChangedEvent); ok {
			for _, c := range e.Changes {
				net[c.ProductID] += c.Delta
			}
		}
		return nil
	})

	req := sell("p1", 3, domain.PaymentTransfer)
	req.Bank = "bca"
	tx, err := svc.CreateTransaction(cashierCtx(), req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.ApplySettlement(context.Background(), tx.ID, domain.PaymentSuccess); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	p, _ := repo.GetProduct(context.Background(), "p1")
	if net["p1"] != -3 || p.Stock != 47 {
		t.Fatalf("expected events to net -3 matching stock 47, got net %d stock %d", net["p1"], p.Stock)
	}
}
