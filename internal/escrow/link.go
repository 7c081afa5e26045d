package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/metrics"
	"github.com/mbd888/escrowbot/internal/validation"
)

// LinkRecipient attaches open trades addressed to handle to userID and
// credits their gross to the user's pending balance. A trade whose credit
// fails is unlinked again and left for a later contact, so repeated calls are
// safe. Returns the number of trades linked.
func (s *Service) LinkRecipient(ctx context.Context, userID int64, handle string) (int, error) {
	handle = validation.NormalizeHandle(handle)
	if handle == "" {
		return 0, nil
	}

	txs, err := s.store.ListUnlinked(ctx, handle)
	if err != nil {
		return 0, err
	}

	var (
		linked int
		errs   []error
	)
	for _, tx := range txs {
		if tx.BuyerID == userID {
			// Would make the buyer their own seller.
			continue
		}
		ok, err := s.linkOne(ctx, tx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("transaction %s: %w", tx.ID, err))
			continue
		}
		if ok {
			linked++
		}
	}

	if linked > 0 {
		metrics.RecipientsLinked.Add(float64(linked))
		s.logger.Info("recipient linked", "userId", userID, "handle", handle, "transactions", linked)
	}
	return linked, errors.Join(errs...)
}

func (s *Service) linkOne(ctx context.Context, tx *Transaction, userID int64) (bool, error) {
	unlock, err := s.lock(ctx, tx.ID)
	if err != nil {
		return false, err
	}
	defer unlock()

	ok, err := s.store.LinkSeller(ctx, tx.ID, tx.RecipientHandle, userID)
	if err != nil || !ok {
		// Lost to a concurrent contact or the trade moved on.
		return false, err
	}

	err = s.ledger.CreditPending(ctx, userID, tx.Currency, tx.GrossAmount, tx.ID+":link")
	if err == nil {
		tx.SellerID = userID
		s.emit(ctx, "linked", tx)
		return true, nil
	}

	if undoErr := s.store.UnlinkSeller(ctx, tx.ID, userID, tx.RecipientHandle); undoErr != nil {
		s.logger.Error("CRITICAL: failed to unlink seller after credit failure, requires manual resolution",
			"transactionId", tx.ID, "sellerId", userID, "error", undoErr)
	}
	if errors.Is(err, ledger.ErrRecipientWalletNotFound) {
		// No wallet yet. Retried on the next contact.
		return false, nil
	}
	return false, err
}
