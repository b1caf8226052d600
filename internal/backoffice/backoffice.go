// Package backoffice holds the business state the authorization pipeline
// protects and the executors that mutate it. Executors stage first and apply
// second, so the pipeline can audit a mutation before it happens.
package backoffice

import (
	"sync"
	"time"
)

// Payment is a captured payment that can be partially or fully refunded.
type Payment struct {
	ID            string `json:"id"`
	CapturedMinor int64  `json:"captured_minor"`
	RefundedMinor int64  `json:"refunded_minor"`
	Currency      string `json:"currency"`
}

// Payout is a settlement payout, held until released.
type Payout struct {
	ID          string     `json:"id"`
	AmountMinor int64      `json:"amount_minor"`
	Currency    string     `json:"currency"`
	Released    bool       `json:"released"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// Endpoint is a webhook endpoint with a backlog of failed deliveries.
type Endpoint struct {
	ID           string   `json:"id"`
	FailedEvents []string `json:"failed_events"`
	Replayed     []string `json:"replayed"`
}

// Merchant carries a commission rate in basis points.
type Merchant struct {
	ID            string `json:"id"`
	CommissionBps int64  `json:"commission_bps"`
}

// Dispute tracks evidence submission against a deadline.
type Dispute struct {
	ID         string    `json:"id"`
	Deadline   time.Time `json:"deadline"`
	EvidenceID string    `json:"evidence_id,omitempty"`
	Submitted  bool      `json:"submitted"`
}

// Ledger is the in-memory business state for the in-process deployment mode
// and tests. One mutex for everything; the pipeline serializes writes anyway
// and reads are cheap copies.
type Ledger struct {
	mu        sync.Mutex
	payments  map[string]*Payment
	payouts   map[string]*Payout
	endpoints map[string]*Endpoint
	merchants map[string]*Merchant
	disputes  map[string]*Dispute
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		payments:  make(map[string]*Payment),
		payouts:   make(map[string]*Payout),
		endpoints: make(map[string]*Endpoint),
		merchants: make(map[string]*Merchant),
		disputes:  make(map[string]*Dispute),
	}
}

// SeedPayment installs a payment.
func (l *Ledger) SeedPayment(p Payment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[p.ID] = &p
}

// SeedPayout installs a payout.
func (l *Ledger) SeedPayout(p Payout) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payouts[p.ID] = &p
}

// SeedEndpoint installs a webhook endpoint.
func (l *Ledger) SeedEndpoint(e Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints[e.ID] = &e
}

// SeedMerchant installs a merchant.
func (l *Ledger) SeedMerchant(m Merchant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.merchants[m.ID] = &m
}

// SeedDispute installs a dispute.
func (l *Ledger) SeedDispute(d Dispute) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disputes[d.ID] = &d
}

// Payment returns a copy of one payment.
func (l *Ledger) Payment(id string) (Payment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

// Payout returns a copy of one payout.
func (l *Ledger) Payout(id string) (Payout, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payouts[id]
	if !ok {
		return Payout{}, false
	}
	return *p, true
}

// Endpoint returns a copy of one endpoint.
func (l *Ledger) Endpoint(id string) (Endpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	clone := *e
	clone.FailedEvents = append([]string(nil), e.FailedEvents...)
	clone.Replayed = append([]string(nil), e.Replayed...)
	return clone, true
}

// Merchant returns a copy of one merchant.
func (l *Ledger) Merchant(id string) (Merchant, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.merchants[id]
	if !ok {
		return Merchant{}, false
	}
	return *m, true
}

// Dispute returns a copy of one dispute.
func (l *Ledger) Dispute(id string) (Dispute, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[id]
	if !ok {
		return Dispute{}, false
	}
	return *d, true
}
