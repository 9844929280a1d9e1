package service

import (
	"context"
	"io"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/insight"
	"kasira/backend/internal/report"
	"kasira/backend/internal/store"
)

// FinancialReport folds the transaction log of every branch the actor can see
// through report.FilterTransactions and report.ComputeStats.
func (s *Service) FinancialReport(ctx context.Context, filter domain.ReportFilter) (domain.FinancialReport, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.FinancialReport{}, err
	}
	scope, err := s.scopeFor(ctx, actor, filter.BranchID)
	if err != nil {
		return domain.FinancialReport{}, err
	}

	all, err := s.transactionsFor(ctx, scope)
	if err != nil {
		return domain.FinancialReport{}, err
	}
	filtered := report.FilterTransactions(all, filter)
	return domain.FinancialReport{
		Filter:       filter,
		Stats:        report.ComputeStats(filtered),
		Transactions: filtered,
	}, nil
}

// ExportCSV writes the successful transactions matching filter.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter domain.ReportFilter) error {
	filter.Status = domain.PaymentSuccess
	rep, err := s.FinancialReport(ctx, filter)
	if err != nil {
		return err
	}
	return report.WriteCSV(w, rep.Transactions)
}

// CompareBranches reports every owned branch over the window. An open-ended
// window is closed at the current time so the trend has a previous period to
// compare against.
func (s *Service) CompareBranches(ctx context.Context, start *time.Time, end *time.Time) (domain.BranchComparison, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.BranchComparison{}, err
	}
	if start != nil && end == nil {
		now := s.now()
		end = &now
	}

	branches, err := s.repo.ListBranches(ctx, actor.UserID)
	if err != nil {
		return domain.BranchComparison{}, err
	}
	ids := make([]string, 0, len(branches))
	for _, b := range branches {
		ids = append(ids, b.ID)
	}
	all, err := s.transactionsFor(ctx, ids)
	if err != nil {
		return domain.BranchComparison{}, err
	}
	return domain.BranchComparison{
		StartDate: start,
		EndDate:   end,
		Branches:  report.CompareBranches(branches, all, start, end),
	}, nil
}

// Insights runs the insight engine over the owner's figures for the window.
func (s *Service) Insights(ctx context.Context, start *time.Time, end *time.Time) (domain.InsightReport, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.InsightReport{}, err
	}
	comparison, err := s.CompareBranches(ctx, start, end)
	if err != nil {
		return domain.InsightReport{}, err
	}
	fin, err := s.FinancialReport(ctx, domain.ReportFilter{StartDate: start, EndDate: comparison.EndDate})
	if err != nil {
		return domain.InsightReport{}, err
	}
	scope, err := s.branchScope(ctx, actor)
	if err != nil {
		return domain.InsightReport{}, err
	}
	products := []domain.Product{}
	if len(scope) > 0 {
		if products, err = s.repo.ListProducts(ctx, scope); err != nil {
			return domain.InsightReport{}, err
		}
	}

	result, err := s.insights.Analyze(ctx, insight.Input{
		OwnerID:  actor.UserID,
		Start:    start,
		End:      comparison.EndDate,
		Stats:    fin.Stats,
		Branches: comparison.Branches,
		Products: products,
	})
	if err != nil {
		return domain.InsightReport{}, upstreamError("insight analysis", err)
	}
	return result, nil
}

func (s *Service) transactionsFor(ctx context.Context, branchIDs []string) ([]domain.Transaction, error) {
	if len(branchIDs) == 0 {
		return []domain.Transaction{}, nil
	}
	return s.repo.ListTransactions(ctx, store.TransactionFilter{BranchIDs: branchIDs})
}
