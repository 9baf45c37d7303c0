package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/payments"
)

// Payments is a scripted payments.Processor. Handles start unpaid; tests move them
// along with Succeed, Fail and SetReceived.
type Payments struct {
	mu        sync.Mutex
	handles   map[string]payments.Handle
	byKey     map[string]string
	refunds   map[string]string
	cancels   int
	CreateErr error
	RefundErr error
}

func NewPayments() *Payments {
	return &Payments{
		handles: make(map[string]payments.Handle),
		byKey:   make(map[string]string),
		refunds: make(map[string]string),
	}
}

func (p *Payments) CreateHandle(_ context.Context, req payments.CreateRequest) (payments.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateErr != nil {
		return payments.Handle{}, p.CreateErr
	}
	if req.IdempotencyKey != "" {
		if id, ok := p.byKey[req.IdempotencyKey]; ok {
			return p.handles[id], nil
		}
	}
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	id := "ph_" + uuid.NewString()
	h := payments.Handle{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payments.StatusRequiresPaymentMethod,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
		Metadata:     meta,
	}
	p.handles[id] = h
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = id
	}
	return h, nil
}

func (p *Payments) RetrieveHandle(_ context.Context, id string) (payments.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[id]
	if !ok {
		return payments.Handle{}, payments.ErrHandleNotFound
	}
	return h, nil
}

func (p *Payments) CancelHandle(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[id]
	if !ok {
		return payments.ErrHandleNotFound
	}
	p.cancels++
	if h.Status != payments.StatusSucceeded {
		h.Status = payments.StatusCanceled
		p.handles[id] = h
	}
	return nil
}

func (p *Payments) Refund(_ context.Context, chargeRef, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RefundErr != nil {
		return p.RefundErr
	}
	if _, ok := p.refunds[idempotencyKey]; ok {
		return nil
	}
	p.refunds[idempotencyKey] = chargeRef
	return nil
}

// Succeed marks the handle captured for its full amount.
func (p *Payments) Succeed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[id]; ok {
		h.Status = payments.StatusSucceeded
		h.AmountReceivedCents = h.AmountCents
		h.ChargeID = "ch_" + id
		p.handles[id] = h
	}
}

func (p *Payments) Fail(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[id]; ok {
		h.Status = payments.StatusFailed
		p.handles[id] = h
	}
}

// SetReceived overrides the captured amount of a handle.
func (p *Payments) SetReceived(id string, cents int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[id]; ok {
		h.AmountReceivedCents = cents
		p.handles[id] = h
	}
}

// Put stores a handle as-is, e.g. one that no hold ever created.
func (p *Payments) Put(h payments.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[h.ID] = h
}

func (p *Payments) Cancels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

// Refunds returns the charge refunded under each idempotency key.
func (p *Payments) Refunds() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, len(p.refunds))
	for k, v := range p.refunds {
		out[k] = v
	}
	return out
}
