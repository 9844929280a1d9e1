package insight

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasira/backend/internal/cache"
	"kasira/backend/internal/domain"
)

type Input struct {
	OwnerID  string
	Start    *time.Time
	End      *time.Time
	Stats    domain.FinancialStats
	Branches []domain.BranchPerformance
	Products []domain.Product
}

// Engine turns owner figures into short findings. It replaces the hosted
// analysis model with deterministic rules over the same inputs.
type Engine struct {
	cache          cache.InsightCache
	cacheTTL       time.Duration
	lowStockLevel  int
	thinMarginRate float64
	discountRate   float64
}

func NewEngine(cacheStore cache.InsightCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopInsightCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &Engine{
		cache:          cacheStore,
		cacheTTL:       cacheTTL,
		lowStockLevel:  5,
		thinMarginRate: 0.10,
		discountRate:   0.15,
	}
}

func (e *Engine) Analyze(ctx context.Context, in Input) (domain.InsightReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.InsightReport{}, err
	}

	key := buildCacheKey(in)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	}

	insights := make([]domain.Insight, 0, 8)
	stats := in.Stats

	if stats.OrderCount == 0 {
		insights = append(insights, domain.Insight{
			Code:     "no_sales",
			Severity: domain.SeverityInfo,
			Title:    "Belum ada penjualan",
			Detail:   "No successful transactions in the selected period.",
		})
	}
	if stats.NetProfit < 0 {
		insights = append(insights, domain.Insight{
			Code:     "negative_net_profit",
			Severity: domain.SeverityCritical,
			Title:    "Rugi bersih",
			Detail:   fmt.Sprintf("Net profit is %d after %d in discounts.", stats.NetProfit, stats.TotalDiscount),
		})
	} else if stats.Revenue > 0 && float64(stats.NetProfit)/float64(stats.Revenue) < e.thinMarginRate {
		insights = append(insights, domain.Insight{
			Code:     "thin_margin",
			Severity: domain.SeverityWarning,
			Title:    "Margin tipis",
			Detail:   fmt.Sprintf("Net margin is %.1f%% of revenue.", 100*float64(stats.NetProfit)/float64(stats.Revenue)),
		})
	}
	if stats.Revenue > 0 && float64(stats.TotalDiscount)/float64(stats.Revenue) > e.discountRate {
		insights = append(insights, domain.Insight{
			Code:     "discount_pressure",
			Severity: domain.SeverityWarning,
			Title:    "Diskon terlalu besar",
			Detail:   fmt.Sprintf("Discounts take %.1f%% of revenue.", 100*float64(stats.TotalDiscount)/float64(stats.Revenue)),
		})
	}

	if names := belowCost(in.Products); len(names) > 0 {
		insights = append(insights, domain.Insight{
			Code:     "price_below_cost",
			Severity: domain.SeverityCritical,
			Title:    "Harga jual di bawah modal",
			Detail:   "Selling at or below cost: " + strings.Join(names, ", "),
		})
	}
	if names := e.lowStock(in.Products); len(names) > 0 {
		insights = append(insights, domain.Insight{
			Code:     "low_stock",
			Severity: domain.SeverityWarning,
			Title:    "Stok menipis",
			Detail:   "Restock soon: " + strings.Join(names, ", "),
		})
	}

	if len(in.Branches) > 1 {
		top := in.Branches[0]
		for _, b := range in.Branches[1:] {
			if b.NetProfit > top.NetProfit {
				top = b
			}
		}
		insights = append(insights, domain.Insight{
			Code:     "top_branch",
			Severity: domain.SeverityInfo,
			Title:    "Cabang terbaik",
			Detail:   fmt.Sprintf("%s leads with net profit %d; best seller %s.", top.BranchName, top.NetProfit, top.BestSeller),
		})
	}
	for _, b := range in.Branches {
		if b.Trend == domain.TrendDown {
			insights = append(insights, domain.Insight{
				Code:     "branch_declining",
				Severity: domain.SeverityWarning,
				Title:    "Performa cabang menurun",
				Detail:   fmt.Sprintf("%s net profit fell against the previous period.", b.BranchName),
			})
		}
	}

	slices.SortStableFunc(insights, func(a, b domain.Insight) int {
		return severityRank(b.Severity) - severityRank(a.Severity)
	})

	report := domain.InsightReport{
		OwnerID:     in.OwnerID,
		GeneratedAt: time.Now().UTC(),
		Insights:    insights,
	}
	_ = e.cache.Set(ctx, key, &report, e.cacheTTL)
	return report, nil
}

func belowCost(products []domain.Product) []string {
	names := make([]string, 0)
	for _, p := range products {
		if p.Price <= p.CostPrice {
			names = append(names, p.Name)
		}
	}
	slices.Sort(names)
	return names
}

func (e *Engine) lowStock(products []domain.Product) []string {
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.Stock <= e.lowStockLevel {
			low = append(low, p)
		}
	}
	slices.SortFunc(low, func(a, b domain.Product) int {
		if a.Stock != b.Stock {
			return a.Stock - b.Stock
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(low) > 5 {
		low = low[:5]
	}
	names := make([]string, 0, len(low))
	for _, p := range low {
		names = append(names, fmt.Sprintf("%s (%d)", p.Name, p.Stock))
	}
	return names
}

func severityRank(severity string) int {
	switch severity {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityWarning:
		return 2
	default:
		return 1
	}
}

func buildCacheKey(in Input) string {
	parts := []string{in.OwnerID, formatBound(in.Start), formatBound(in.End)}
	parts = append(parts, fmt.Sprintf("o:%d", in.Stats.OrderCount))
	parts = append(parts, fmt.Sprintf("r:%d", in.Stats.Revenue))
	parts = append(parts, fmt.Sprintf("n:%d", in.Stats.NetProfit))
	for _, b := range in.Branches {
		parts = append(parts, fmt.Sprintf("b:%s:%s:%d:%s:%s", b.BranchID, b.BranchName, b.NetProfit, b.BestSeller, b.Trend))
	}
	for _, p := range in.Products {
		parts = append(parts, fmt.Sprintf("%s:%d:%d:%d", p.ID, p.Stock, p.Price, p.CostPrice))
	}

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "kasira:insight:" + hex.EncodeToString(hash[:])
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
