package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/metrics"
	"github.com/mbd888/escrowbot/internal/money"
	"github.com/mbd888/escrowbot/internal/traces"
)

// Release pays out a PENDING trade at the buyer's request.
func (s *Service) Release(ctx context.Context, id string, callerID int64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TransactionID(id), traces.UserID(callerID))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, StatusCompleted)
	}
	if s.isAged(tx) {
		return nil, s.expireInline(ctx, tx)
	}

	if err := s.payout(ctx, tx, "release", s.policy.ReleasePercent, StatusCompleted); err != nil {
		return nil, err
	}
	return tx, nil
}

// Settle closes a DISPUTED trade with an admin resolution. Re-running Settle
// after the status already equals the resolution succeeds without side effects.
func (s *Service) Settle(ctx context.Context, id string, resolution Status) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Settle", traces.TransactionID(id))
	defer span.End()

	if resolution != StatusCompleted && resolution != StatusRefunded && resolution != StatusCancelled {
		return nil, ErrInvalidResolution
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == resolution {
		return tx, nil
	}
	if tx.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, resolution)
	}

	switch resolution {
	case StatusCompleted:
		err = s.payout(ctx, tx, "release", s.policy.ReleasePercent, StatusCompleted)
	case StatusRefunded:
		err = s.payout(ctx, tx, "refund", s.policy.RefundPercent, StatusRefunded)
	case StatusCancelled:
		err = s.store.Transition(ctx, id, StatusDisputed, StatusCancelled, Finalize{})
		if err == nil {
			s.dropPending(ctx, tx, StatusCancelled)
			s.finished(ctx, tx, StatusCancelled, "")
		}
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// payout moves the escrowed gross of tx out of custody and records the final
// status. sellerPct of gross goes to the seller, the remainder to the platform.
//
// Money leaves custody in exactly one step (the on-chain send or the ledger
// settlement). A failure before that step releases the claim and leaves the
// trade in its current status. A failure after it is never rolled back.
func (s *Service) payout(ctx context.Context, tx *Transaction, kind string, sellerPct decimal.Decimal, final Status) error {
	start := time.Now()
	from := tx.Status
	reference := tx.ID + ":" + kind

	if !tx.HasSeller() {
		return ErrRecipientWalletMissing
	}
	seller, err := s.ledger.WalletFor(ctx, tx.SellerID, tx.Currency)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return ErrRecipientWalletMissing
	}
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.store.ClaimPayout(ctx, tx.ID, from, now, now.Add(-payoutClaimTTL)); err != nil {
		return err
	}

	share, platform := money.Split(tx.GrossAmount, sellerPct, tx.Currency)

	var txid string
	if s.payer != nil && s.policy.isOnChain(tx.Currency) {
		txid, err = s.send(ctx, tx, seller, reference, share, platform)
		if err != nil {
			s.releaseClaim(ctx, tx)
			metrics.PayoutsTotal.WithLabelValues(kind, "failed").Inc()
			return err
		}
		// The value has left custody; the bookkeeping follows it even if the
		// caller has gone away.
		ctx = context.WithoutCancel(ctx)
		if err := s.ledger.ClearPending(ctx, tx.SellerID, tx.Currency, tx.GrossAmount, reference); err != nil {
			s.logger.Error("CRITICAL: payout sent but seller pending not cleared, requires manual resolution",
				"transactionId", tx.ID, "sellerId", tx.SellerID, "gross", tx.GrossAmount.String(),
				"txid", txid, "error", err)
		}
	} else {
		if err := s.ledger.SettlePending(ctx, tx.SellerID, tx.Currency, tx.GrossAmount, share, reference); err != nil {
			s.releaseClaim(ctx, tx)
			metrics.PayoutsTotal.WithLabelValues(kind, "failed").Inc()
			return fmt.Errorf("failed to settle pending: %w", err)
		}
		ctx = context.WithoutCancel(ctx)
	}

	completedAt := s.now()
	f := Finalize{CompletedAt: &completedAt, OnchainTxID: txid}
	if err := s.store.Transition(ctx, tx.ID, from, final, f); err != nil {
		// Retry once: money has moved, the status must follow.
		if retryErr := s.store.Transition(ctx, tx.ID, from, final, f); retryErr != nil {
			s.logger.Error("CRITICAL: payout completed but status update failed, requires manual resolution",
				"transactionId", tx.ID, "from", from, "to", final, "txid", txid,
				"share", share.String(), "platform", platform.String(), "error", retryErr)
		}
	}

	metrics.PayoutsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.PayoutDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	tx.CompletedAt = &completedAt
	tx.OnchainTxID = txid
	tx.PayoutClaimedAt = nil
	s.finished(ctx, tx, final, txid)
	return nil
}

// send pays share to the seller and platform to the fee address in one
// transaction from the buyer's source wallet. Zero outputs are skipped.
func (s *Service) send(ctx context.Context, tx *Transaction, seller *ledger.Wallet, reference string, share, platform decimal.Decimal) (string, error) {
	source, err := s.ledger.Wallet(ctx, tx.SourceWalletID)
	if err != nil {
		return "", fmt.Errorf("%w: source wallet: %w", ErrPayoutFailed, err)
	}

	var outputs []Output
	if share.IsPositive() {
		outputs = append(outputs, Output{Address: seller.Address, Amount: share})
	}
	if platform.IsPositive() {
		feeAddr := s.policy.FeeAddresses[tx.Currency]
		if feeAddr == "" {
			return "", fmt.Errorf("%w: no fee address configured for %s", ErrPayoutFailed, tx.Currency)
		}
		outputs = append(outputs, Output{Address: feeAddr, Amount: platform})
	}

	ctx, span := traces.StartSpan(ctx, "escrow.send", traces.TransactionID(tx.ID), traces.Reference(reference))
	defer span.End()

	txid, err := s.payer.SendSplit(ctx, source.KeyHandle, tx.Currency, reference, outputs)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("payout send failed",
			"transactionId", tx.ID, "reference", reference, "retryable", IsRetryable(err), "error", err)
		return "", fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}
	return txid, nil
}

func (s *Service) releaseClaim(ctx context.Context, tx *Transaction) {
	if err := s.store.ReleaseClaim(ctx, tx.ID); err != nil {
		// The claim goes stale after payoutClaimTTL and is retaken then.
		s.logger.Warn("failed to release payout claim", "transactionId", tx.ID, "error", err)
	}
}

func (s *Service) finished(ctx context.Context, tx *Transaction, final Status, txid string) {
	metrics.TransitionsTotal.WithLabelValues(string(tx.Status), string(final)).Inc()
	metrics.TradeDuration.WithLabelValues(string(final)).Observe(s.now().Sub(tx.CreatedAt).Seconds())
	s.logger.Info("transaction finalized",
		"transactionId", tx.ID, "from", tx.Status, "to", final,
		"gross", tx.GrossAmount.String(), "currency", tx.Currency, "txid", txid)
	tx.Status = final
	tx.UpdatedAt = s.now()
	s.emit(ctx, strings.ToLower(string(final)), tx)
}
