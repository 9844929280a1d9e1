package httpapi

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/httprate"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/metrics"
	"kasira/backend/internal/realtime"
	"kasira/backend/internal/report"
	"kasira/backend/internal/service"
	"kasira/backend/internal/store"
)

type Options struct {
	AllowedOrigin      string
	CallbackToken      string
	RateLimitPerMinute int
	Metrics            *metrics.Metrics
	Gateway            *realtime.Gateway
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	gateway       *realtime.Gateway
	metrics       *metrics.Metrics
	allowedOrigin string
	callbackToken string
	ratePerMinute int
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	gateway := opts.Gateway
	if gateway == nil {
		gateway = realtime.NewGateway(svc.Notifier(), opts.AllowedOrigin)
	}
	rate := opts.RateLimitPerMinute
	if rate <= 0 {
		rate = 300
	}
	return &API{
		service:       svc,
		auth:          auth,
		gateway:       gateway,
		metrics:       opts.Metrics,
		allowedOrigin: opts.AllowedOrigin,
		callbackToken: opts.CallbackToken,
		ratePerMinute: rate,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/register/trial", a.handleRegisterTrial)
	mux.HandleFunc("POST /api/v1/auth/register", a.handleRegisterPaid)
	mux.HandleFunc("GET /api/v1/me", a.requireAuth(a.handleMe))

	mux.HandleFunc("GET /api/v1/branches", a.requireAuth(a.handleListBranches))
	mux.HandleFunc("POST /api/v1/branches", a.requireAuth(a.handleCreateBranch, domain.RoleOwner))
	mux.HandleFunc("PATCH /api/v1/branches/{id}", a.requireAuth(a.handleUpdateBranch, domain.RoleOwner))
	mux.HandleFunc("DELETE /api/v1/branches/{id}", a.requireAuth(a.handleDeleteBranch, domain.RoleOwner))

	mux.HandleFunc("GET /api/v1/categories", a.requireAuth(a.handleListCategories))
	mux.HandleFunc("POST /api/v1/categories", a.requireAuth(a.handleCreateCategory, domain.RoleOwner))
	mux.HandleFunc("DELETE /api/v1/categories/{id}", a.requireAuth(a.handleDeleteCategory, domain.RoleOwner))

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, domain.RoleOwner))
	mux.HandleFunc("PATCH /api/v1/products/{id}", a.requireAuth(a.handleUpdateProduct, domain.RoleOwner))
	mux.HandleFunc("DELETE /api/v1/products/{id}", a.requireAuth(a.handleDeleteProduct, domain.RoleOwner))
	mux.HandleFunc("POST /api/v1/products/{id}/stock-adjustments", a.requireAuth(a.handleAdjustStock, domain.RoleOwner))
	mux.HandleFunc("GET /api/v1/products/{id}/stock-movements", a.requireAuth(a.handleStockMovements))

	mux.HandleFunc("GET /api/v1/staff", a.requireAuth(a.handleListStaff, domain.RoleOwner))
	mux.HandleFunc("POST /api/v1/staff", a.requireAuth(a.handleCreateStaff, domain.RoleOwner))
	mux.HandleFunc("DELETE /api/v1/staff/{id}", a.requireAuth(a.handleDeleteStaff, domain.RoleOwner))

	mux.HandleFunc("POST /api/v1/transactions", a.requireAuth(a.handleCreateTransaction))
	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction))
	mux.HandleFunc("POST /api/v1/transactions/{id}/settlement", a.requireAuth(a.handleSettleTransaction))

	mux.HandleFunc("POST /api/v1/payments/callback", a.requireCallbackToken(a.handlePaymentCallback))
	mux.HandleFunc("POST /api/v1/payments/registrations/callback", a.requireCallbackToken(a.handleRegistrationCallback))

	mux.HandleFunc("GET /api/v1/reports/financial", a.requireAuth(a.handleFinancialReport))
	mux.HandleFunc("GET /api/v1/reports/branches", a.requireAuth(a.handleBranchComparison, domain.RoleOwner))
	mux.HandleFunc("GET /api/v1/insights", a.requireAuth(a.handleInsights, domain.RoleOwner))

	mux.HandleFunc("GET /api/v1/realtime", a.handleRealtime)

	limited := httprate.LimitByIP(a.ratePerMinute, time.Minute)(mux)
	return a.withMiddleware(limited)
}

func bearerToken(r *http.Request) (string, error) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return "", errors.New("missing bearer token")
	}
	return strings.TrimSpace(authorization[len("Bearer "):]), nil
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// requireCallbackToken guards gateway callbacks with a shared secret. An
// unconfigured token rejects every callback.
func (a *API) requireCallbackToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Callback-Token")
		if a.callbackToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.callbackToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid callback token"))
			return
		}
		next(w, r)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := a.service.Authenticate(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		if errors.Is(err, store.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err)
		return
	}

	resp, err := a.auth.Issue(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRegisterTrial(w http.ResponseWriter, r *http.Request) {
	var req domain.TrialRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := a.service.RegisterTrial(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp, err := a.auth.Issue(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRegisterPaid(w http.ResponseWriter, r *http.Request) {
	var req domain.PaidRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.RegisterPaid(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.service.CurrentUser(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := a.service.ListBranches(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": branches})
}

func (a *API) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req domain.BranchCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branch, err := a.service.CreateBranch(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func (a *API) handleUpdateBranch(w http.ResponseWriter, r *http.Request) {
	var req domain.BranchUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branch, err := a.service.UpdateBranch(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

func (a *API) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteBranch(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := a.service.ListCategories(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": categories})
}

func (a *API) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req domain.CategoryCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	category, err := a.service.CreateCategory(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (a *API) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteCategory(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context(), strings.TrimSpace(r.URL.Query().Get("branch_id")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteProduct(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.AdjustStock(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleStockMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	movements, err := a.service.ListStockMovements(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": movements})
}

func (a *API) handleListStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := a.service.ListStaff(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": staff})
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.service.CreateStaff(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleDeleteStaff(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteStaff(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := a.service.CreateTransaction(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleSettleTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := a.service.SettleTransaction(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req domain.SettlementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := a.service.ApplySettlement(r.Context(), req.TransactionID, req.Status)
	if errors.Is(err, store.ErrAlreadySettled) {
		// Gateways retry until they see a 2xx.
		writeJSON(w, http.StatusOK, map[string]any{"duplicate": true, "transaction_id": req.TransactionID})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleRegistrationCallback(w http.ResponseWriter, r *http.Request) {
	var req domain.RegistrationCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.HandleRegistrationCallback(r.Context(), req)
	if errors.Is(err, store.ErrAlreadySettled) {
		writeJSON(w, http.StatusOK, map[string]any{"duplicate": true, "registration_id": req.RegistrationID})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFinancialReport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		var buf bytes.Buffer
		if err := a.service.ExportCSV(r.Context(), &buf, filter); err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"kasira-report-%s.csv\"", time.Now().UTC().Format("20060102")))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}

	rep, err := a.service.FinancialReport(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleBranchComparison(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	comparison, err := a.service.CompareBranches(r.Context(), filter.StartDate, filter.EndDate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

func (a *API) handleInsights(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	insights, err := a.service.Insights(r.Context(), filter.StartDate, filter.EndDate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

// handleRealtime authenticates before the upgrade. Browsers cannot set headers
// on a websocket handshake, so the token may also arrive as access_token.
func (a *API) handleRealtime(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		bearer, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		token = bearer
	}
	actor, err := a.auth.ParseToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	ctx := service.WithActor(r.Context(), actor)
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if err := a.service.AuthorizeChannel(ctx, channel); err != nil {
		writeServiceError(w, err)
		return
	}
	a.gateway.Serve(w, r, channel)
}

func parseReportFilter(r *http.Request) (domain.ReportFilter, error) {
	q := r.URL.Query()
	filter := domain.ReportFilter{
		BranchID: strings.TrimSpace(q.Get("branch_id")),
		Status:   strings.TrimSpace(q.Get("status")),
	}
	switch filter.Status {
	case "", report.StatusAll, domain.PaymentPending, domain.PaymentSuccess, domain.PaymentFailed, domain.PaymentExpired:
	default:
		return domain.ReportFilter{}, fmt.Errorf("unknown status %q", filter.Status)
	}

	start, _, err := parseDateParam(q.Get("start_date"))
	if err != nil {
		return domain.ReportFilter{}, fmt.Errorf("start_date: %w", err)
	}
	end, dateOnly, err := parseDateParam(q.Get("end_date"))
	if err != nil {
		return domain.ReportFilter{}, fmt.Errorf("end_date: %w", err)
	}
	if end != nil && dateOnly {
		eod := report.EndOfDay(*end)
		end = &eod
	}
	if start != nil && end != nil && end.Before(*start) {
		return domain.ReportFilter{}, errors.New("end_date is before start_date")
	}
	filter.StartDate = start
	filter.EndDate = end
	return filter, nil
}

// parseDateParam accepts YYYY-MM-DD or RFC3339. The second result reports
// whether the value was a bare date.
func parseDateParam(raw string) (*time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return &t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, false, errors.New("expected YYYY-MM-DD or RFC3339 timestamp")
	}
	t = t.UTC()
	return &t, false, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Callback-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)
		a.metrics.ObserveHTTP(r.Method, rec.status, elapsed)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, elapsed)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnauthorized), errors.Is(err, store.ErrUnauthorizedBranch):
		return http.StatusForbidden
	case errors.Is(err, store.ErrAlreadySettled),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrSubscriptionExpired):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
