package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/core/service"
	"github.com/rl1809/stock-sync/internal/port"
)

type HTTPHandler struct {
	svc *service.SyncService
	log zerolog.Logger
}

func NewHTTPHandler(svc *service.SyncService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

// Router mounts the admin and ingestion API. metrics may be nil.
func (h *HTTPHandler) Router(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/order-lines", h.SubmitOrderLine)
		r.Post("/refunds", h.SubmitRefund)

		r.Get("/operations", h.ListOperations)
		r.Get("/operations/{id}", h.GetOperation)
		r.Get("/operations/{id}/audit", h.AuditTrail)
		r.Post("/operations/{id}/retry", h.RetryOperation)
		r.Post("/operations/{id}/cancel", h.CancelOperation)

		r.Post("/reconciliation/run", h.RunReconciliation)
		r.Get("/reviews", h.ListReviewItems)
		r.Post("/reviews/{orderID}/resolve", h.ResolveReviewItem)

		r.Put("/stock", h.SetStock)
		r.Get("/stock/{warehouse}/{sku}", h.GetStock)
	})
	return r
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) SubmitOrderLine(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.svc.SubmitOrderLine)
}

func (h *HTTPHandler) SubmitRefund(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.svc.SubmitRefund)
}

func (h *HTTPHandler) submit(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, line domain.OrderLine) (*domain.Operation, error)) {
	var req OrderLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	op, err := fn(r.Context(), req.toDomain())
	if errors.Is(err, domain.ErrDuplicateRequest) {
		resp := ErrorResponse{Error: "duplicate request"}
		if op != nil {
			body := toOperationResponse(op)
			resp.Operation = &body
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationResponse(op))
}

func (h *HTTPHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := port.OperationFilter{OrderID: q.Get("order_id"), Limit: 100}
	if s := q.Get("status"); s != "" {
		status, err := domain.ParseOperationStatus(s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		filter.Status = status
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	ops, err := h.svc.ListOperations(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]OperationResponse, 0, len(ops))
	for i := range ops {
		out = append(out, toOperationResponse(&ops[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.svc.GetOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationResponse(op))
}

func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditResponse(entries))
}

func (h *HTTPHandler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	op, err := h.svc.RetryOperation(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil && !errors.Is(err, domain.ErrDuplicateRequest) {
		h.writeError(w, err)
		return
	}
	if op == nil {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "retry already in progress"})
		return
	}
	writeJSON(w, http.StatusAccepted, toOperationResponse(op))
}

func (h *HTTPHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CancelOperation(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := CancelResponse{
		Operation:      toOperationResponse(&res.Operation),
		RemoteReverted: res.RemoteReverted,
		RevertError:    res.RevertError,
	}
	if res.Compensation != nil {
		comp := toOperationResponse(res.Compensation)
		resp.Compensation = &comp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RunReconciliation(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) ListReviewItems(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	items, err := h.svc.ListReviewItems(r.Context(), includeResolved)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]ReviewItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, ReviewItemResponse{
			OrderID:       it.OrderID,
			Reason:        it.Reason,
			LocalDeducted: it.LocalDeducted,
			RemoteUpdated: it.RemoteUpdated,
			DetectedAt:    it.DetectedAt,
			ResolvedAt:    it.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) ResolveReviewItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResolveReviewItem(r.Context(), chi.URLParam(r, "orderID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	var req StockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	level := domain.StockLevel{SKU: req.SKU, Warehouse: req.Warehouse, AvailableQuantity: req.AvailableQuantity}
	if err := h.svc.SetStock(r.Context(), level); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	level, err := h.svc.GetStock(r.Context(), chi.URLParam(r, "sku"), chi.URLParam(r, "warehouse"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StockRequest{
		SKU:               level.SKU,
		Warehouse:         level.Warehouse,
		AvailableQuantity: level.AvailableQuantity,
	})
}

func decodeAction(w http.ResponseWriter, r *http.Request) (ActionRequest, bool) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return req, false
	}
	if req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "actor is required"})
		return req, false
	}
	return req, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyCancelled),
		errors.Is(err, domain.ErrConcurrentUpdate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
