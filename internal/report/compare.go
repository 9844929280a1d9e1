package report

import (
	"time"

	"github.com/shopspring/decimal"

	"kasira/backend/internal/domain"
)

var trendThreshold = decimal.New(2, -2)

// CompareBranches computes per-branch stats over the window, in the order the
// branches are given. The best seller is the product with the most units sold;
// ties go to the lexicographically smallest name. Trend compares net profit
// against the preceding window of equal length and is stable when the window
// is open-ended.
func CompareBranches(branches []domain.Branch, transactions []domain.Transaction, start *time.Time, end *time.Time) []domain.BranchPerformance {
	out := make([]domain.BranchPerformance, 0, len(branches))
	for _, branch := range branches {
		current := FilterTransactions(transactions, domain.ReportFilter{
			BranchID:  branch.ID,
			StartDate: start,
			EndDate:   end,
		})
		stats := ComputeStats(current)

		trend := domain.TrendStable
		if prevStart, prevEnd, ok := previousWindow(start, end); ok {
			previous := ComputeStats(FilterTransactions(transactions, domain.ReportFilter{
				BranchID:  branch.ID,
				StartDate: &prevStart,
				EndDate:   &prevEnd,
			}))
			trend = Trend(stats.NetProfit, previous.NetProfit)
		}

		out = append(out, domain.BranchPerformance{
			BranchID:       branch.ID,
			BranchName:     branch.Name,
			FinancialStats: stats,
			BestSeller:     BestSeller(current),
			Trend:          trend,
		})
	}
	return out
}

// BestSeller returns domain.NoBestSeller when nothing was sold.
func BestSeller(transactions []domain.Transaction) string {
	sold := make(map[string]int)
	for _, tx := range transactions {
		if tx.PaymentStatus != domain.PaymentSuccess {
			continue
		}
		for _, item := range tx.Items {
			sold[item.Name] += item.Quantity
		}
	}

	best := ""
	bestQty := 0
	for name, qty := range sold {
		if qty > bestQty || (qty == bestQty && name < best) {
			best = name
			bestQty = qty
		}
	}
	if bestQty == 0 {
		return domain.NoBestSeller
	}
	return best
}

// Trend classifies the relative change from previous to current. Changes of
// two percent or less are stable.
func Trend(current int64, previous int64) string {
	if previous == 0 {
		switch {
		case current > 0:
			return domain.TrendUp
		case current < 0:
			return domain.TrendDown
		default:
			return domain.TrendStable
		}
	}

	change := decimal.NewFromInt(current - previous).Div(decimal.NewFromInt(previous).Abs())
	switch {
	case change.GreaterThan(trendThreshold):
		return domain.TrendUp
	case change.LessThan(trendThreshold.Neg()):
		return domain.TrendDown
	default:
		return domain.TrendStable
	}
}

func previousWindow(start *time.Time, end *time.Time) (time.Time, time.Time, bool) {
	if start == nil || end == nil || end.Before(*start) {
		return time.Time{}, time.Time{}, false
	}
	length := end.Sub(*start)
	prevEnd := start.Add(-time.Nanosecond)
	return prevEnd.Add(-length), prevEnd, true
}
