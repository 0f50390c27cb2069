package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/dropkit/flashsale/internal/events"
	"github.com/dropkit/flashsale/internal/inventory"
	kafkax "github.com/dropkit/flashsale/internal/kafka"
	"github.com/dropkit/flashsale/internal/ledger"
	"github.com/dropkit/flashsale/internal/queue"
	"github.com/dropkit/flashsale/internal/sale"
	"github.com/dropkit/flashsale/internal/scheduler"
)

// LedgerStats reads the durable conversion funnel for a sale.
type LedgerStats interface {
	GetStats(ctx context.Context, saleID string) (ledger.Stats, error)
}

// SaleStore is the durable surface for sale CRUD.
type SaleStore interface {
	CreateSale(ctx context.Context, s sale.Sale) error
	GetSale(ctx context.Context, id string) (sale.Sale, error)
}

// SalesHandler exposes the engines' structured results over HTTP. It holds
// no business logic: validation, mapping, and event fan-out only.
type SalesHandler struct {
	Queue       *queue.Engine
	Inventory   *inventory.Engine
	Machine     *sale.Machine
	Scheduler   *scheduler.Scheduler
	Sales       SaleStore
	Ledger      LedgerStats
	Admissions  *kafkax.Producer
	Purchases   *kafkax.Producer
	QueueEvents *kafkax.Producer
	Service     string
}

func (h *SalesHandler) Register(r *chi.Mux) {
	r.Post("/sales", h.createSale)
	r.Get("/sales/{saleID}", h.getSale)

	r.Post("/sales/{saleID}/queue/join", h.join)
	r.Post("/sales/{saleID}/queue/leave", h.leave)
	r.Get("/sales/{saleID}/queue/position", h.position)
	r.Get("/sales/{saleID}/queue/stats", h.queueStats)
	r.Post("/sales/{saleID}/queue/admit", h.admit)
	r.Post("/sales/{saleID}/queue/clear", h.clear)

	r.Post("/sales/{saleID}/reserve", h.reserve)
	r.Post("/sales/{saleID}/release", h.release)
	r.Post("/sales/{saleID}/confirm", h.confirm)
	r.Get("/sales/{saleID}/inventory", h.inventoryStats)
	r.Get("/sales/{saleID}/ledger/stats", h.ledgerStats)

	r.Post("/sales/{saleID}/transition", h.transition)
	r.Get("/scheduler/status", h.schedulerStatus)
}

type userReq struct {
	UserID string `json:"user_id"`
	Qty    int64  `json:"qty,omitempty"`
}

type admitReq struct {
	BatchSize int `json:"batch_size"`
}

type transitionReq struct {
	To string `json:"to"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sale.ErrSaleNotFound), errors.Is(err, queue.ErrNotInQueue):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, queue.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, sale.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

type createSaleReq struct {
	ProductRef string    `json:"product_ref"`
	PriceCents int       `json:"price_cents"`
	TotalStock int       `json:"total_stock"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
}

func (h *SalesHandler) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleReq
	if !decode(w, r, &req) {
		return
	}
	if req.TotalStock <= 0 || !req.EndsAt.After(req.StartsAt) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "total_stock must be positive and ends_at after starts_at"})
		return
	}
	s := sale.Sale{
		ID:         uuid.NewString(),
		ProductRef: req.ProductRef,
		PriceCents: req.PriceCents,
		TotalStock: req.TotalStock,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Status:     sale.StatusUpcoming,
	}
	if err := h.Sales.CreateSale(r.Context(), s); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *SalesHandler) getSale(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sales.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SalesHandler) join(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req userReq
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.Queue.Join(r.Context(), saleID, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *SalesHandler) leave(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req userReq
	if !decode(w, r, &req) {
		return
	}
	removed, err := h.Queue.Leave(r.Context(), saleID, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *SalesHandler) position(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	userID := r.URL.Query().Get("user_id")
	pos, err := h.Queue.Position(r.Context(), saleID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *SalesHandler) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.Stats(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SalesHandler) admit(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req admitReq
	if !decode(w, r, &req) {
		return
	}
	admitted, err := h.Queue.AdmitNext(r.Context(), saleID, req.BatchSize)
	if err != nil && len(admitted) == 0 {
		writeErr(w, err)
		return
	}
	// A ledger failure after the pop still admitted these users; report
	// them rather than dropping the admission on the floor.
	if len(admitted) > 0 && h.Admissions != nil {
		h.publish(h.Admissions, events.EventUserAdmitted, saleID,
			events.UserAdmittedPayload{SaleID: saleID, UserIDs: admitted})
	}
	writeJSON(w, http.StatusOK, map[string]any{"admitted": admitted})
}

func (h *SalesHandler) clear(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	removed, err := h.Queue.Clear(r.Context(), saleID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.QueueEvents != nil {
		h.publish(h.QueueEvents, events.EventQueueCleared, saleID,
			events.QueueClearedPayload{SaleID: saleID, Removed: removed})
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *SalesHandler) reserve(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req userReq
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Inventory.Reserve(r.Context(), saleID, req.UserID, req.Qty)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SalesHandler) release(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req userReq
	if !decode(w, r, &req) {
		return
	}
	found, err := h.Inventory.Release(r.Context(), saleID, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": found})
}

func (h *SalesHandler) confirm(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req userReq
	if !decode(w, r, &req) {
		return
	}
	found, err := h.Inventory.ConfirmPurchase(r.Context(), saleID, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if found && h.Purchases != nil {
		h.publish(h.Purchases, events.EventPurchaseConfirmed, saleID,
			events.PurchaseConfirmedPayload{SaleID: saleID, UserID: req.UserID})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": found})
}

func (h *SalesHandler) inventoryStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Inventory.Stats(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SalesHandler) ledgerStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Ledger.GetStats(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SalesHandler) transition(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "saleID")
	var req transitionReq
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Machine.Transition(r.Context(), saleID, sale.Status(req.To))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *SalesHandler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *SalesHandler) publish(p *kafkax.Producer, eventType, saleID string, payload any) {
	ev := events.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		CorrelationID: saleID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(events.PartitionKey(saleID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
