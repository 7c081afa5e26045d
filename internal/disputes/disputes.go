// Package disputes records buyer disputes and drives their admin resolution.
//
// A dispute is a record next to its transaction: opening one moves the trade
// to DISPUTED, resolving one settles the trade and closes the record. The
// trade is always written first, so a crash between the two writes leaves a
// state that re-running the same call repairs.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/metrics"
	"github.com/mbd888/escrowbot/internal/syncutil"
	"github.com/mbd888/escrowbot/internal/traces"
	"github.com/mbd888/escrowbot/internal/validation"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrAlreadyDisputed = errors.New("transaction already has an open dispute")
	ErrNotOpen         = errors.New("dispute is not open")
)

// Status is the state of a dispute record.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Dispute is a buyer's objection to a trade.
type Dispute struct {
	ID              string        `json:"id"`
	TransactionID   string        `json:"transactionId"`
	InitiatorID     int64         `json:"initiatorId"`
	Reason          string        `json:"reason,omitempty"`
	Evidence        string        `json:"evidence,omitempty"`
	Status          Status        `json:"status"`
	Resolution      escrow.Status `json:"resolution,omitempty"`
	ResolutionNotes string        `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	TransactionID string `json:"-"`
	InitiatorID   int64  `json:"-"`
	Reason        string `json:"reason"`
	Evidence      string `json:"evidence"`
}

// ResolveRequest contains an admin decision.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Notes      string `json:"notes"`
}

// Store persists disputes.
type Store interface {
	// Create returns ErrAlreadyDisputed if the transaction has an OPEN dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// OpenFor returns the OPEN dispute of a transaction.
	OpenFor(ctx context.Context, transactionID string) (*Dispute, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
	// Resolve moves an OPEN dispute to RESOLVED. ErrNotOpen otherwise.
	Resolve(ctx context.Context, id string, resolution escrow.Status, notes string, at time.Time) error
}

// Escrow is the state machine the dispute flow drives.
type Escrow interface {
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	Dispute(ctx context.Context, id string, callerID int64) (*escrow.Transaction, error)
	Settle(ctx context.Context, id string, resolution escrow.Status) (*escrow.Transaction, error)
}

// Notifier receives "dispute.opened" and "dispute.resolved" events.
type Notifier interface {
	DisputeEvent(ctx context.Context, event string, d *Dispute)
}

// Service manages disputes.
type Service struct {
	store  Store
	escrow Escrow
	notify Notifier
	locks  *syncutil.ContextShardedMutex
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, escrow Escrow, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		escrow: escrow,
		locks:  syncutil.NewContextShardedMutex(),
		now:    time.Now,
		logger: logger,
	}
}

// WithNotifier publishes dispute events to n.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

func (s *Service) emit(ctx context.Context, event string, d *Dispute) {
	if s.notify != nil {
		snapshot := *d
		s.notify.DisputeEvent(ctx, event, &snapshot)
	}
}

// Open disputes a PENDING trade on behalf of its buyer.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Open",
		traces.TransactionID(req.TransactionID), traces.UserID(req.InitiatorID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, "tx:"+req.TransactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.OpenFor(ctx, req.TransactionID); err == nil {
		return nil, ErrAlreadyDisputed
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	// A trade already DISPUTED without an open record comes back unchanged,
	// and the missing record is created below.
	if _, err := s.escrow.Dispute(ctx, req.TransactionID, req.InitiatorID); err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:            idgen.New(),
		TransactionID: req.TransactionID,
		InitiatorID:   req.InitiatorID,
		Reason:        validation.SanitizeString(req.Reason, validation.MaxStringLength),
		Evidence:      validation.SanitizeString(req.Evidence, validation.MaxStringLength),
		Status:        StatusOpen,
		CreatedAt:     s.now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DisputeID(d.ID))

	metrics.DisputesTotal.WithLabelValues("opened", "").Inc()
	s.logger.Info("dispute opened",
		"disputeId", d.ID, "transactionId", d.TransactionID, "initiatorId", d.InitiatorID)
	s.emit(ctx, "dispute.opened", d)
	return d, nil
}

// ParseResolution validates an admin resolution.
func ParseResolution(s string) (escrow.Status, error) {
	switch r := escrow.Status(strings.ToUpper(strings.TrimSpace(s))); r {
	case escrow.StatusCompleted, escrow.StatusRefunded, escrow.StatusCancelled:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", escrow.ErrInvalidResolution, s)
}

// Resolve settles the disputed trade and closes the dispute. If the payout
// fails both records stay unresolved and the call can be repeated.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve", traces.DisputeID(id))
	defer span.End()

	resolution, err := ParseResolution(req.Resolution)
	if err != nil {
		return nil, err
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, "tx:"+d.TransactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	if d, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrNotOpen
	}

	if _, err := s.escrow.Settle(ctx, d.TransactionID, resolution); err != nil {
		s.logger.Warn("dispute settlement failed",
			"disputeId", id, "transactionId", d.TransactionID, "resolution", resolution, "error", err)
		return nil, err
	}

	notes := validation.SanitizeString(req.Notes, validation.MaxStringLength)
	at := s.now()
	if err := s.store.Resolve(ctx, id, resolution, notes, at); err != nil {
		// The trade is settled; resolving again repairs the record.
		s.logger.Error("transaction settled but dispute not closed",
			"disputeId", id, "transactionId", d.TransactionID, "error", err)
		return nil, err
	}

	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolutionNotes = notes
	d.ResolvedAt = &at

	metrics.DisputesTotal.WithLabelValues("resolved", string(resolution)).Inc()
	s.logger.Info("dispute resolved",
		"disputeId", id, "transactionId", d.TransactionID, "resolution", resolution)
	s.emit(ctx, "dispute.resolved", d)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// ForTransaction returns every dispute of a transaction, oldest first.
func (s *Service) ForTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return s.store.ListByTransaction(ctx, transactionID)
}

// CanView reports whether userID is a party to the disputed transaction.
func (s *Service) CanView(ctx context.Context, d *Dispute, userID int64) (bool, error) {
	if d.InitiatorID == userID {
		return true, nil
	}
	tx, err := s.escrow.Get(ctx, d.TransactionID)
	if err != nil {
		return false, err
	}
	return tx.InvolvesUser(userID), nil
}
