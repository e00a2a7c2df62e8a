package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/queue"
	"github.com/vaultpay/backend/internal/services"
)

// AdminHandler serves the back-office surface: dead-letter inspection,
// manual job triggers, order creation and balance views.
type AdminHandler struct {
	queue     *queue.Queue
	ledger    *services.LedgerService
	orders    *services.CryptoOrderService
	validator *services.ValidationHelper
}

func NewAdminHandler(q *queue.Queue, ledger *services.LedgerService, orders *services.CryptoOrderService) *AdminHandler {
	return &AdminHandler{
		queue:     q,
		ledger:    ledger,
		orders:    orders,
		validator: services.NewValidationHelper(),
	}
}

// ListDeadLetters handles GET /admin/queues/{queue}/dead
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	deadJobs, err := h.queue.DeadLetters(r.Context(), queueName, limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list dead letters", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"queue": queueName, "jobs": deadJobs})
}

// RequeueDeadLetter handles POST /admin/queues/{queue}/dead/{jobId}/requeue
func (h *AdminHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "jobId")

	found, err := h.queue.RequeueDead(r.Context(), queueName, jobID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to requeue job", http.StatusInternalServerError, nil)
		return
	}
	if !found {
		services.SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "requeued", "job_id": jobID})
}

// TriggerReconciliation handles POST /admin/reconciliation
func (h *AdminHandler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	var req jobs.ReconciliationPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if req.Type == "" {
		req.Type = jobs.ReconciliationFull
	}

	jobID, err := h.queue.Enqueue(r.Context(), jobs.QueueBalanceReconciliation, req, nil)
	if err != nil {
		services.SendErrorResponse(w, "Failed to enqueue reconciliation", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

// TriggerFeeRun handles POST /admin/fees/run
func (h *AdminHandler) TriggerFeeRun(w http.ResponseWriter, r *http.Request) {
	var req jobs.MonthlyFeePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if req.Type == "" {
		req.Type = jobs.MonthlyFeeAllUsers
	}
	if req.Type == jobs.MonthlyFeeOneUser && req.UserID == 0 {
		services.SendErrorResponse(w, "userId is required for process_user", http.StatusBadRequest, nil)
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), jobs.QueueMonthlyFee, req, nil)
	if err != nil {
		services.SendErrorResponse(w, "Failed to enqueue fee run", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

// CreateOrder handles POST /admin/orders
func (h *AdminHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req services.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	resp, err := h.orders.Create(r.Context(), req)
	if err != nil {
		services.SendErrorResponse(w, "Failed to create order", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetOrder handles GET /admin/orders/{orderId}
func (h *AdminHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		services.SendErrorResponse(w, "Order not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// SyncOrder handles POST /admin/orders/{orderId}/sync
func (h *AdminHandler) SyncOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	jobID, err := h.queue.Enqueue(r.Context(), jobs.QueueCryptoOrderSync,
		jobs.CryptoOrderSyncPayload{OrderID: orderID}, &queue.Options{Priority: true})
	if err != nil {
		services.SendErrorResponse(w, "Failed to enqueue sync", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

// GetUserBalance handles GET /admin/users/{userId}/balance
func (h *AdminHandler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	summary, err := h.ledger.Summary(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch balance summary", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetUserLedger handles GET /admin/users/{userId}/ledger
func (h *AdminHandler) GetUserLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	entries, err := h.ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch ledger entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"user_id": userID, "entries": entries})
}

// AdjustUserBalance handles POST /admin/users/{userId}/balance-adjustment
func (h *AdminHandler) AdjustUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Amount float64 `json:"amount" validate:"required,gt=0"`
		Type   string  `json:"type" validate:"required,oneof=credit debit"`
		Reason string  `json:"reason" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), jobs.QueueUserBalanceUpdate, jobs.UserBalanceUpdatePayload{
		UserID: userID,
		Amount: req.Amount,
		Type:   req.Type,
		Reason: req.Reason,
	}, nil)
	if err != nil {
		services.SendErrorResponse(w, "Failed to enqueue balance update", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}
