package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"kasira/backend/internal/config"
	"kasira/backend/internal/domain"
	"kasira/backend/internal/realtime"
	"kasira/backend/internal/service"
	"kasira/backend/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", PaymentCallbackToken: "0123456789abcdef"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", PaymentCallbackToken: "short"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", PaymentCallbackToken: "0123456789abcdef0123456789abcdef"},
	}
	for i, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("case %d: expected weak security config to be rejected", i)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", PaymentCallbackToken: "gateway-callback-7391"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestOpenRepositoryPersistsMemorySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kasira.json")
	cfg := config.Config{MemorySnapshotPath: path}

	repo, closeRepo, err := openRepository(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := repo.CreateCategory(context.Background(), domain.Category{Name: "Camilan"}); err != nil {
		t.Fatalf("create category: %v", err)
	}
	if err := closeRepo(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, _, err := openRepository(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	categories, err := reopened.ListCategories(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, c := range categories {
		if c.Name == "Camilan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected snapshot to restore the new category, got %v", categories)
	}
}

func TestRunExpiryLoopExpiresStalePayments(t *testing.T) {
	repo := memory.NewSeeded()
	svc := service.New(repo, realtime.NewNotifier(), nil, nil)
	ctx := service.WithActor(context.Background(), domain.Actor{UserID: "u-kasir", Role: domain.RoleCashier, BranchID: "b1"})

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		BranchID:      "b1",
		Items:         []domain.TransactionLineRequest{{ProductID: "p1", Quantity: 1}},
		PaymentMethod: domain.PaymentTransfer,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runExpiryLoop(loopCtx, svc, 10*time.Millisecond, 0)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := repo.GetTransaction(context.Background(), tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PaymentStatus == domain.PaymentExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction was not expired, status %s", got.PaymentStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	p1, _ := repo.GetProduct(context.Background(), "p1")
	if p1.Stock != 50 {
		t.Fatalf("expected expired payment to release stock, got %d", p1.Stock)
	}
}
