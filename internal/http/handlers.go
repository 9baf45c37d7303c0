package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/availability"
	"github.com/robertarktes/rental-reservations/internal/booking"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/idempotency"
	"github.com/robertarktes/rental-reservations/internal/lifecycle"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
)

const (
	SignatureHeader = "X-Signature"
	ReplayHeader    = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Booking       *booking.Service
	Lifecycle     *lifecycle.Service
	Reader        *availability.Reader
	Idempotency   *idempotency.Idempotency
	WebhookSecret string
	Checks        map[string]Check
	Logger        observability.Logger
}

type Handlers struct {
	booking       *booking.Service
	lifecycle     *lifecycle.Service
	reader        *availability.Reader
	idemp         *idempotency.Idempotency
	webhookSecret []byte
	checks        map[string]Check
	logger        observability.Logger
}

func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = observability.NewDiscardLogger()
	}
	return &Handlers{
		booking:       d.Booking,
		lifecycle:     d.Lifecycle,
		reader:        d.Reader,
		idemp:         d.Idempotency,
		webhookSecret: []byte(d.WebhookSecret),
		checks:        d.Checks,
		logger:        d.Logger,
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.InvalidBody("malformed request body", map[string]string{"body": err.Error()})
	}
	return nil
}

// decodeOptional accepts an empty body as the zero value.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return domain.InvalidBody("malformed request body", map[string]string{"body": err.Error()})
}

func parseTime(raw, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.InvalidWindow(field + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

func reservationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.NotFound("reservation")
	}
	return id, nil
}

type windowRequest struct {
	ResourceID   string `json:"resource_id"`
	Start        string `json:"start"`
	End          string `json:"end"`
	DiscountCode string `json:"discount_code,omitempty"`
}

func (req windowRequest) window() (time.Time, time.Time, error) {
	start, err := parseTime(req.Start, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime(req.End, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (h *Handlers) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := windowRequest{Start: q.Get("start"), End: q.Get("end")}.window()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.reader.Check(r.Context(), chi.URLParam(r, "id"), start, end)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	start, end, err := req.window()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	preview, err := h.booking.Preview(r.Context(), booking.PreviewInput{
		ResourceID:   req.ResourceID,
		Start:        start,
		End:          end,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	start, end, err := req.window()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hold, replay, err := h.booking.OpenHold(r.Context(), booking.HoldInput{
		ActorID:      ActorFrom(r.Context()),
		ResourceID:   req.ResourceID,
		Start:        start,
		End:          end,
		DiscountCode: req.DiscountCode,
		Token:        r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if replay {
		w.Header().Set(ReplayHeader, "true")
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (h *Handlers) AbandonHold(w http.ResponseWriter, r *http.Request) {
	if err := h.booking.AbandonHold(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "handleID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentHandleID string `json:"payment_handle_id"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, created, err := h.booking.Finalize(r.Context(), ActorFrom(r.Context()), req.PaymentHandleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handlers) ListReservations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, r, domain.InvalidBody("limit must be a non-negative integer", nil))
			return
		}
		limit = n
	}
	list, err := h.lifecycle.List(r.Context(), ActorFrom(r.Context()), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Reservation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": list})
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := reservationID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.lifecycle.Get(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transitionFunc func(ctx context.Context, actorID string, id uuid.UUID) (domain.Reservation, error)

func (h *Handlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reservationID(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		res, err := fn(r.Context(), ActorFrom(r.Context()), id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handlers) Accept(w http.ResponseWriter, r *http.Request) {
	h.transition(h.lifecycle.Accept)(w, r)
}

func (h *Handlers) Decline(w http.ResponseWriter, r *http.Request) {
	h.transition(h.lifecycle.Decline)(w, r)
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(h.lifecycle.Cancel)(w, r)
}

type checkpointFunc func(ctx context.Context, actorID string, id uuid.UUID, in lifecycle.CheckpointInput) (domain.Reservation, error)

// checkpoint records a check-in or check-out. With an Idempotency-Key the first
// successful response is stored and replayed to retries of the same key.
func (h *Handlers) checkpoint(action string, fn checkpointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reservationID(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var in lifecycle.CheckpointInput
		if err := decodeOptional(r, &in); err != nil {
			h.fail(w, r, err)
			return
		}
		actor := ActorFrom(r.Context())

		compute := func(ctx context.Context) (idempotency.Response, error) {
			res, err := fn(ctx, actor, id, in)
			if err != nil {
				return idempotency.Response{}, err
			}
			body, err := json.Marshal(res)
			if err != nil {
				return idempotency.Response{}, err
			}
			return idempotency.Response{Status: http.StatusOK, Result: body}, nil
		}

		token := r.Header.Get(IdempotencyKeyHeader)
		if token == "" || h.idemp == nil {
			resp, err := compute(r.Context())
			if err != nil {
				h.fail(w, r, err)
				return
			}
			writeRaw(w, resp.Status, resp.Result)
			return
		}

		key := idempotency.Key(action+":"+actor+":"+id.String(), token)
		resp, replay, err := h.idemp.GetOrCompute(r.Context(), key, 0, compute)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if replay {
			w.Header().Set(ReplayHeader, "true")
		}
		writeRaw(w, resp.Status, resp.Result)
	}
}

func (h *Handlers) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.checkpoint("checkin", h.lifecycle.CheckIn)(w, r)
}

func (h *Handlers) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.checkpoint("checkout", h.lifecycle.CheckOut)(w, r)
}

type paymentEvent struct {
	PaymentHandleID string          `json:"payment_handle_id"`
	Status          payments.Status `json:"status"`
}

// PaymentWebhook applies a processor notification. When a secret is configured the
// body must carry a hex HMAC-SHA256 signature in X-Signature.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, domain.InvalidBody("unreadable body", nil))
		return
	}
	if len(h.webhookSecret) > 0 && !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		h.fail(w, r, domain.Unauthorized("invalid webhook signature"))
		return
	}
	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.PaymentHandleID == "" || ev.Status == "" {
		h.fail(w, r, domain.InvalidBody("payment_handle_id and status are required", nil))
		return
	}
	if err := h.booking.HandlePaymentEvent(r.Context(), ev.PaymentHandleID, ev.Status); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) validSignature(body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			observability.LoggerFrom(r.Context(), h.logger).WithError(err).WithField("dependency", name).Warn("readiness check failed")
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	_, _ = w.Write([]byte("Ready"))
}
