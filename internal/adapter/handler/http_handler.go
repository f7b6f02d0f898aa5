package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/core/service"
	"github.com/rl1809/medistock/pkg/metrics"
)

// maxBodyBytes bounds request bodies. The largest legitimate one is a
// reservation with a few dozen lines.
const maxBodyBytes = 64 << 10

type HTTPHandler struct {
	reservations *service.ReservationService
	fulfillment  *service.FulfillmentService
	ledger       *service.LedgerService
	inventory    *service.InventoryService
	verifier     *TokenVerifier
	limiter      *ClientLimiter
	log          *zap.Logger
}

func NewHTTPHandler(reservations *service.ReservationService, fulfillment *service.FulfillmentService,
	ledger *service.LedgerService, inventory *service.InventoryService,
	verifier *TokenVerifier, limiter *ClientLimiter, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		reservations: reservations,
		fulfillment:  fulfillment,
		ledger:       ledger,
		inventory:    inventory,
		verifier:     verifier,
		limiter:      limiter,
		log:          log,
	}
}

// Routes registers every endpoint on a new mux wrapped with instrumentation.
func (h *HTTPHandler) Routes(m *metrics.Collector) http.Handler {
	auth := func(fn http.HandlerFunc) http.HandlerFunc { return RequireAuth(h.verifier, fn) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("POST /api/reservations", auth(h.Reserve))
	mux.HandleFunc("GET /api/reservations/{code}", auth(h.GetReservation))
	mux.HandleFunc("POST /api/pickup", h.limiter.Limit(auth(h.Pickup)))
	mux.HandleFunc("GET /api/prescriptions", auth(h.Prescriptions))
	mux.HandleFunc("POST /api/prescriptions/refresh", auth(h.RefreshPrescriptions))
	mux.HandleFunc("GET /api/dispensers", auth(h.Dispensers))
	mux.HandleFunc("GET /api/suggestions", auth(h.Suggestions))
	mux.HandleFunc("GET /api/deliveries", auth(h.Deliveries))

	return Instrument(mux, m, h.log)
}

type ErrorResponse struct {
	Success    bool   `json:"success"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	MedicineID int64  `json:"medicine_id,omitempty"`
}

type ItemDTO struct {
	MedicineID   int64  `json:"medicine_id"`
	Units        int    `json:"units"`
	MedicineCode string `json:"medicine_code,omitempty"`
	MedicineName string `json:"medicine_name,omitempty"`
}

type ReserveHTTPRequest struct {
	DispenserID int64     `json:"dispenser_id"`
	Items       []ItemDTO `json:"items"`
	RequestID   string    `json:"request_id,omitempty"`
}

type ReserveHTTPResponse struct {
	OK        bool      `json:"ok"`
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Items     []ItemDTO `json:"items"`
}

type PickupHTTPRequest struct {
	Code string `json:"code"`
}

type PickupHTTPResponse struct {
	OK            bool   `json:"ok"`
	Delivered     int    `json:"delivered"`
	TotalUnits    int    `json:"total_units"`
	ReservationID string `json:"reservation_id"`
	Message       string `json:"message"`
}

type ReservationDTO struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	Status        string     `json:"status"`
	DispenserID   int64      `json:"dispenser_id"`
	DispenserCode string     `json:"dispenser_code"`
	DispenserName string     `json:"dispenser_name"`
	Location      string     `json:"location"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	Items         []ItemDTO  `json:"items"`
	TotalUnits    int        `json:"total_units"`
}

type BalanceDTO struct {
	MedicineID   int64  `json:"medicine_id"`
	MedicineCode string `json:"medicine_code"`
	MedicineName string `json:"medicine_name"`
	RxNumber     string `json:"rx_number"`
	MaxUnits     int    `json:"max_units"`
	UsedUnits    int    `json:"used_units"`
	Pending      int    `json:"pending"`
	Reserved     int    `json:"reserved"`
	Reservable   int    `json:"reservable"`
}

type StockDTO struct {
	DispenserID   int64   `json:"dispenser_id"`
	DispenserCode string  `json:"dispenser_code"`
	DispenserName string  `json:"dispenser_name"`
	City          string  `json:"city"`
	Location      string  `json:"location"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	OpenDays      string  `json:"open_days"`
	OpenHour      string  `json:"open_hour"`
	CloseHour     string  `json:"close_hour"`
	MedicineID    int64   `json:"medicine_id"`
	MedicineCode  string  `json:"medicine_code"`
	MedicineName  string  `json:"medicine_name"`
	Form          string  `json:"form"`
	Strength      string  `json:"strength"`
	Stock         int     `json:"stock"`
}

type DeliveryDTO struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	DispenserCode string    `json:"dispenser_code"`
	DispenserName string    `json:"dispenser_name"`
	MedicineID    int64     `json:"medicine_id"`
	MedicineCode  string    `json:"medicine_code"`
	MedicineName  string    `json:"medicine_name"`
	Units         int       `json:"units"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveHTTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Success: false,
			Kind:    string(domain.KindInvalidRequest),
			Message: "invalid request body",
		})
		return
	}

	items := make([]domain.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.ItemRequest{MedicineID: it.MedicineID, Units: it.Units})
	}

	res, err := h.reservations.Reserve(r.Context(), service.ReserveRequest{
		PatientID:   ClaimsFrom(r.Context()).UserID,
		DispenserID: req.DispenserID,
		Items:       items,
		RequestID:   req.RequestID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ReserveHTTPResponse{
		OK:        true,
		ID:        res.ID,
		Code:      res.Code,
		ExpiresAt: res.ExpiresAt,
		Items:     itemDTOs(res.Items),
	})
}

func (h *HTTPHandler) Pickup(w http.ResponseWriter, r *http.Request) {
	var req PickupHTTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Success: false,
			Kind:    string(domain.KindInvalidRequest),
			Message: "invalid request body",
		})
		return
	}

	batch, err := h.fulfillment.Redeem(r.Context(), req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PickupHTTPResponse{
		OK:            true,
		Delivered:     len(batch.Deliveries),
		TotalUnits:    batch.TotalUnits,
		ReservationID: batch.ReservationID,
		Message:       "delivery registered",
	})
}

// GetReservation is visible to the owning patient and to dispenser staff.
func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.GetReservation(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	claims := ClaimsFrom(r.Context())
	if claims.Role != RoleDispenser && claims.UserID != res.PatientID {
		h.writeError(w, domain.ErrReservationNotFound)
		return
	}

	writeJSON(w, http.StatusOK, reservationDTO(res))
}

func (h *HTTPHandler) Prescriptions(w http.ResponseWriter, r *http.Request) {
	balances, err := h.ledger.PendingBalances(r.Context(), ClaimsFrom(r.Context()).UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceDTOs(balances))
}

func (h *HTTPHandler) RefreshPrescriptions(w http.ResponseWriter, r *http.Request) {
	balances, err := h.ledger.RecomputeAll(r.Context(), ClaimsFrom(r.Context()).UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceDTOs(balances))
}

func (h *HTTPHandler) Dispensers(w http.ResponseWriter, r *http.Request) {
	var dispenserID int64
	if raw := r.URL.Query().Get("dispenser_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Success: false,
				Kind:    string(domain.KindInvalidRequest),
				Message: "dispenser_id must be a positive integer",
			})
			return
		}
		dispenserID = id
	}

	levels, err := h.inventory.DispenserStock(r.Context(), dispenserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stockDTOs(levels))
}

func (h *HTTPHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	levels, err := h.inventory.Suggestions(r.Context(), ClaimsFrom(r.Context()).UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stockDTOs(levels))
}

func (h *HTTPHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.ledger.Deliveries(r.Context(), ClaimsFrom(r.Context()).UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]DeliveryDTO, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, DeliveryDTO{
			ID:            d.ID,
			ReservationID: d.ReservationID,
			DispenserCode: d.Dispenser.Code,
			DispenserName: d.Dispenser.Name,
			MedicineID:    d.MedicineID,
			MedicineCode:  d.Medicine.Code,
			MedicineName:  d.Medicine.Name,
			Units:         d.Units,
			DeliveredAt:   d.DeliveredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInternal:
		h.log.Error("request failed", zap.Error(err))
	case domain.KindTransactionConflict:
		h.log.Warn("request gave up after conflicts", zap.Error(err))
	}
	writeJSON(w, httpStatus(kind), ErrorResponse{
		Success:    false,
		Kind:       string(kind),
		Message:    publicMessage(err),
		MedicineID: lineMedicine(err),
	})
}

func itemDTOs(items []domain.ReservationItem) []ItemDTO {
	out := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, ItemDTO{
			MedicineID:   it.MedicineID,
			Units:        it.Units,
			MedicineCode: it.Medicine.Code,
			MedicineName: it.Medicine.Name,
		})
	}
	return out
}

func reservationDTO(r *domain.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:            r.ID,
		Code:          r.Code,
		Status:        string(r.Status),
		DispenserID:   r.DispenserID,
		DispenserCode: r.Dispenser.Code,
		DispenserName: r.Dispenser.Name,
		Location:      r.Dispenser.Location,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		DeliveredAt:   r.DeliveredAt,
		Items:         itemDTOs(r.Items),
		TotalUnits:    r.TotalUnits(),
	}
}

func balanceDTOs(balances []domain.Balance) []BalanceDTO {
	out := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		out = append(out, BalanceDTO(b))
	}
	return out
}

func stockDTOs(levels []domain.StockLevel) []StockDTO {
	out := make([]StockDTO, 0, len(levels))
	for _, l := range levels {
		out = append(out, StockDTO{
			DispenserID:   l.Dispenser.ID,
			DispenserCode: l.Dispenser.Code,
			DispenserName: l.Dispenser.Name,
			City:          l.Dispenser.City,
			Location:      l.Dispenser.Location,
			Lat:           l.Dispenser.Lat,
			Lng:           l.Dispenser.Lng,
			OpenDays:      l.Dispenser.OpenDays,
			OpenHour:      l.Dispenser.OpenHour,
			CloseHour:     l.Dispenser.CloseHour,
			MedicineID:    l.Medicine.ID,
			MedicineCode:  l.Medicine.Code,
			MedicineName:  l.Medicine.Name,
			Form:          l.Medicine.Form,
			Strength:      l.Medicine.Strength,
			Stock:         l.Units,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
