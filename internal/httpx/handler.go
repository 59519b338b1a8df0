package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/analytics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/checkout"
	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/identity"
	"github.com/ariefcatur/go-pharmacy-orders/internal/orders"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// StatusCache receives every order status the API reads or writes.
type StatusCache interface {
	Set(ctx context.Context, orderID string, s domain.Status, at time.Time)
}

type Handler struct {
	Checkout  *checkout.Service
	Orders    *orders.Service
	Identity  *identity.Resolver
	Store     store.Store
	Retry     retry.Policy
	Analytics *analytics.Reader
	Status    StatusCache
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/api/verify-payment", h.verifyPayment)
	r.Post("/api/orders", h.createOrder)
	r.Get("/api/orders/{id}", h.getOrder)
	r.Get("/api/orders/{id}/status", h.getOrderStatus)
	r.Post("/api/prescriptions", h.createPrescription)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/orders/{id}/status", h.updateOrderStatus)
		r.Get("/analytics", h.getAnalytics)
		r.Get("/notifications", h.listNotifications)
	})
}

func bearer(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if tok == "" {
			writeErr(w, identity.ErrUnauthenticated)
			return
		}
		u, err := h.Identity.Resolve(r.Context(), tok, "")
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := h.Identity.RequireAdmin(r.Context(), u.ID); err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	resp, err := h.Checkout.Verify(r.Context(), bearer(r), req)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			log.Printf("verify-payment %s: %v", req.Reference, err)
		}
		writeErr(w, err)
		return
	}
	if h.Status != nil && resp.Order != nil {
		h.Status.Set(r.Context(), resp.Order.ID, resp.Order.Status, resp.Order.UpdatedAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

type createOrderReq struct {
	Items     []orders.ItemInput `json:"items"`
	AddressID string             `json:"addressId"`
	UserEmail string             `json:"userEmail,omitempty"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := orders.ValidateItems(req.Items); err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()
	u, err := h.Identity.Resolve(ctx, bearer(r), req.UserEmail)
	if err != nil {
		writeErr(w, err)
		return
	}

	missing, err := h.missingDrugs(ctx, req.Items)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":        false,
			"message":        "unknown drug ids: " + strings.Join(missing, ", "),
			"invalidDrugIds": missing,
		})
		return
	}

	addressID := req.AddressID
	if addressID == "" {
		a, err := h.Store.GetDefaultAddress(ctx, u.ID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "addressId is required")
			return
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		addressID = a.ID
	}

	o, err := h.Orders.Create(ctx, u.ID, addressID, req.Items)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Status != nil {
		h.Status.Set(ctx, o.ID, o.Status, o.UpdatedAt)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "order": o})
}

func (h *Handler) missingDrugs(ctx context.Context, items []orders.ItemInput) ([]string, error) {
	seen := map[string]bool{}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it.DrugID] {
			seen[it.DrugID] = true
			ids = append(ids, it.DrugID)
		}
	}
	return retry.Value(ctx, h.Retry.Named("validate order items"), func(ctx context.Context) ([]string, error) {
		return h.Store.MissingDrugs(ctx, ids)
	})
}

// ownedOrder loads the order named in the path if the session user owns it
// or is an admin.
func (h *Handler) ownedOrder(r *http.Request) (*domain.Order, error) {
	ctx := r.Context()
	u, err := h.Identity.Resolve(ctx, bearer(r), "")
	if err != nil {
		return nil, err
	}
	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if o.UserID != u.ID {
		if err := h.Identity.RequireAdmin(ctx, u.ID); err != nil {
			// Do not reveal other users' orders.
			return nil, orders.ErrOrderNotFound
		}
	}
	return o, nil
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	if bearer(r) == "" {
		writeErr(w, identity.ErrUnauthenticated)
		return
	}
	o, err := h.ownedOrder(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Status != nil {
		h.Status.Set(r.Context(), o.ID, o.Status, o.UpdatedAt)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": o})
}

func (h *Handler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	if bearer(r) == "" {
		writeErr(w, identity.ErrUnauthenticated)
		return
	}
	o, err := h.ownedOrder(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Status != nil {
		h.Status.Set(r.Context(), o.ID, o.Status, o.UpdatedAt)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": o.ID, "status": o.Status, "allowedNext": orders.AllowedNext(o.Status)})
}

type prescriptionReq struct {
	Text      string `json:"text"`
	ImageURL  string `json:"imageUrl,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
}

func (h *Handler) createPrescription(w http.ResponseWriter, r *http.Request) {
	var req prescriptionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.ImageURL == "" {
		writeError(w, http.StatusBadRequest, "prescription text or image is required")
		return
	}
	ctx := r.Context()
	u, err := h.Identity.Resolve(ctx, bearer(r), req.UserEmail)
	if err != nil {
		writeErr(w, err)
		return
	}
	p := &domain.Prescription{
		ID: uuid.NewString(), UserID: u.ID, Text: req.Text, ImageURL: req.ImageURL, CreatedAt: time.Now().UTC(),
	}
	if err := h.Retry.Named("save prescription").Do(ctx, func(ctx context.Context) error {
		return h.Store.InsertPrescription(ctx, p)
	}); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "prescription": p})
}

type updateStatusReq struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	next, ok := domain.ParseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(req.Status))
		return
	}
	if next == domain.StatusConfirmed {
		// Confirmation carries stock and analytics effects and only happens
		// through payment reconciliation.
		writeError(w, http.StatusConflict, "orders are confirmed by payment verification")
		return
	}
	o, err := h.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), next, req.Notes)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Status != nil {
		h.Status.Set(r.Context(), o.ID, o.Status, o.UpdatedAt)
	}
	h.Analytics.Invalidate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": o})
}

func (h *Handler) getAnalytics(w http.ResponseWriter, r *http.Request) {
	s, err := h.Analytics.Summary(r.Context())
	if err != nil {
		log.Printf("analytics summary: %v", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	includeRead := q.Get("filter") != "unread"

	ns, total, err := h.Store.ListNotifications(r.Context(), limit, (page-1)*limit, includeRead)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ns == nil {
		ns = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": ns,
		"total":         total,
		"page":          page,
		"pages":         (total + limit - 1) / limit,
	})
}
