package domain

import "time"

type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type BranchCreateRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Location string `json:"location" validate:"max=255"`
}

type BranchUpdateRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Location *string `json:"location,omitempty" validate:"omitempty,max=255"`
}

// Category rows with an empty OwnerID are shared by every tenant.
type Category struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

type CategoryCreateRequest struct {
	Name string `json:"name" validate:"required,max=80"`
}

type Product struct {
	ID        string    `json:"id"`
	BranchID  string    `json:"branch_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Price     int64     `json:"price"`
	CostPrice int64     `json:"cost_price"`
	Stock     int       `json:"stock"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	BranchID  string `json:"branch_id" validate:"required"`
	Name      string `json:"name" validate:"required,max=160"`
	Category  string `json:"category" validate:"required,max=80"`
	Price     int64  `json:"price" validate:"gt=0"`
	CostPrice int64  `json:"cost_price" validate:"gte=0"`
	Stock     int    `json:"stock" validate:"gte=0"`
}

type ProductUpdateRequest struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=160"`
	Category  *string `json:"category,omitempty" validate:"omitempty,min=1,max=80"`
	Price     *int64  `json:"price,omitempty" validate:"omitempty,gt=0"`
	CostPrice *int64  `json:"cost_price,omitempty" validate:"omitempty,gte=0"`
}

type StockAdjustRequest struct {
	Amount int    `json:"amount" validate:"ne=0"`
	Note   string `json:"note" validate:"max=255"`
}

type StockMovement struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	BranchID  string    `json:"branch_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	BranchID     string     `json:"branch_id,omitempty"`
	BusinessName string     `json:"business_name,omitempty"`
	PackageType  string     `json:"package_type,omitempty"`
	Status       string     `json:"status"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type StaffCreateRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	BranchID string `json:"branch_id" validate:"required"`
}

type Actor struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	User        User   `json:"user"`
}

type TrialRegistrationRequest struct {
	Name         string `json:"name" validate:"required,max=120"`
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required,min=6"`
	BusinessName string `json:"business_name" validate:"required,max=160"`
}

type PaidRegistrationRequest struct {
	Name          string `json:"name" validate:"required,max=120"`
	Email         string `json:"email" validate:"required,email"`
	Password      string `json:"password" validate:"required,min=6"`
	BusinessName  string `json:"business_name" validate:"required,max=160"`
	Package       string `json:"package" validate:"required,oneof=pro bisnis"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=TRANSFER QRIS"`
	Bank          string `json:"bank,omitempty"`
}

type Registration struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Package        string          `json:"package"`
	Amount         int64           `json:"amount"`
	PaymentMethod  string          `json:"payment_method"`
	PaymentStatus  string          `json:"payment_status"`
	PaymentDetails *PaymentDetails `json:"payment_details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

type RegistrationResponse struct {
	User         User         `json:"user"`
	Registration Registration `json:"registration"`
}

type SubscriptionPackage struct {
	Code  string `json:"code"`
	Price int64  `json:"price"`
	Days  int    `json:"days"`
}

var SubscriptionPackages = map[string]SubscriptionPackage{
	PackagePro:    {Code: PackagePro, Price: 199000, Days: 30},
	PackageBisnis: {Code: PackageBisnis, Price: 1900000, Days: 365},
}

type TransactionLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type TransactionCreateRequest struct {
	BranchID      string                   `json:"branch_id" validate:"required"`
	Items         []TransactionLineRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string                   `json:"payment_method" validate:"required,oneof=CASH TRANSFER QRIS"`
	Bank          string                   `json:"bank,omitempty"`
	Tax           int64                    `json:"tax" validate:"gte=0"`
	Discount      int64                    `json:"discount" validate:"gte=0"`
}

type TransactionItem struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	Quantity      int    `json:"quantity"`
	PriceSnapshot int64  `json:"price_snapshot"`
	CostSnapshot  int64  `json:"cost_snapshot"`
}

type PaymentDetails struct {
	OrderID   string `json:"order_id"`
	Bank      string `json:"bank,omitempty"`
	VANumber  string `json:"va_number,omitempty"`
	QRPayload string `json:"qr_payload,omitempty"`
	QRURL     string `json:"qr_url,omitempty"`
}

type Transaction struct {
	ID             string            `json:"id"`
	BranchID       string            `json:"branch_id"`
	CashierID      string            `json:"cashier_id"`
	Items          []TransactionItem `json:"items"`
	Subtotal       int64             `json:"subtotal"`
	Discount       int64             `json:"discount"`
	Tax            int64             `json:"tax"`
	Total          int64             `json:"total"`
	PaymentMethod  string            `json:"payment_method"`
	PaymentStatus  string            `json:"payment_status"`
	PaymentDetails *PaymentDetails   `json:"payment_details,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	SettledAt      *time.Time        `json:"settled_at,omitempty"`
}

// Recalculate derives subtotal and total from the line snapshots.
func (t *Transaction) Recalculate() {
	subtotal := int64(0)
	for _, item := range t.Items {
		subtotal += item.PriceSnapshot * int64(item.Quantity)
	}
	t.Subtotal = subtotal
	t.Total = subtotal + t.Tax - t.Discount
}

func (t Transaction) COGS() int64 {
	cogs := int64(0)
	for _, item := range t.Items {
		cogs += item.CostSnapshot * int64(item.Quantity)
	}
	return cogs
}

// NetProfit excludes tax, which is a pass-through liability.
func (t Transaction) NetProfit() int64 {
	return t.Subtotal - t.COGS() - t.Discount
}

type SettlementRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=success failed expired"`
}

type RegistrationCallbackRequest struct {
	RegistrationID string `json:"registration_id" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=success failed expired"`
}

// StockChange deltas are zero for payment-settled events; the sale event
// already moved the stock.
type StockChange struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

type StockChangedEvent struct {
	BranchID      string        `json:"branch_id"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Reason        string        `json:"reason"`
	Changes       []StockChange `json:"changes"`
}

type PaymentStatusEvent struct {
	TransactionID string `json:"transaction_id"`
	BranchID      string `json:"branch_id"`
	Status        string `json:"status"`
	Total         int64  `json:"total"`
}

type FinancialStats struct {
	Revenue       int64 `json:"revenue"`
	COGS          int64 `json:"cogs"`
	GrossProfit   int64 `json:"gross_profit"`
	NetProfit     int64 `json:"net_profit"`
	TotalDiscount int64 `json:"total_discount"`
	TotalTax      int64 `json:"total_tax"`
	OrderCount    int   `json:"order_count"`
}

type BranchPerformance struct {
	BranchID   string `json:"branch_id"`
	BranchName string `json:"branch_name"`
	FinancialStats
	BestSeller string `json:"best_seller"`
	Trend      string `json:"trend"`
}

type ReportFilter struct {
	BranchID  string     `json:"branch_id,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Status    string     `json:"status,omitempty"`
}

type FinancialReport struct {
	Filter       ReportFilter   `json:"filter"`
	Stats        FinancialStats `json:"stats"`
	Transactions []Transaction  `json:"transactions"`
}

type BranchComparison struct {
	StartDate *time.Time          `json:"start_date,omitempty"`
	EndDate   *time.Time          `json:"end_date,omitempty"`
	Branches  []BranchPerformance `json:"branches"`
}

type Insight struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
}

type InsightReport struct {
	OwnerID     string    `json:"owner_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Insights    []Insight `json:"insights"`
}

const (
	RoleOwner   = "owner"
	RoleCashier = "cashier"
)

const (
	AccountTrial          = "trial"
	AccountActive         = "active"
	AccountExpired        = "expired"
	AccountPendingPayment = "pending_payment"
)

const (
	PackageTrial  = "trial"
	PackagePro    = "pro"
	PackageBisnis = "bisnis"

	TrialDays = 7
)

const (
	PaymentCash     = "CASH"
	PaymentTransfer = "TRANSFER"
	PaymentQRIS     = "QRIS"
)

const (
	PaymentPending = "pending"
	PaymentSuccess = "success"
	PaymentFailed  = "failed"
	PaymentExpired = "expired"
)

const (
	EventStockChanged         = "stock-changed"
	EventTransactionCreated   = "transaction-created"
	EventPaymentStatusUpdated = "payment-status-updated"
)

const (
	StockReasonSale    = "sale"
	StockReasonAdjust  = "adjustment"
	StockReasonRelease = "payment-released"
	StockReasonSettled = "payment-settled"
	StockReasonInitial = "initial"
)

const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"

	NoBestSeller = "N/A"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)
