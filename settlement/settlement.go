// Package settlement moves funds between organization wallets. A
// settlement is all-or-nothing: debit, credit, and the settlement record
// are written in one database transaction, and any typed failure leaves
// every balance untouched. Wallets are the only cross-transaction shared
// mutable resource; this service owns their serialization.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository"
	"github.com/datavern/exchange/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errAlreadySettled aborts the database transaction when a concurrent
// settlement committed its record first; the caller treats it as the
// idempotent no-op success.
var errAlreadySettled = errors.New("settlement recorded concurrently")

// Service implements lifecycle.Settler over the wallet tables.
type Service struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewService(db *gorm.DB, logger cmtlog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Settle debits fromOrg's wallet by amount and credits toOrg's wallet,
// atomically. It is idempotent per transaction: when a settlement record
// for transactionID already exists the call is a no-op success, so a
// retried completion cannot double-charge. A caller that loses the race
// to record the settlement rolls back its transfer and also reports
// success.
func (s *Service) Settle(ctx context.Context, transactionID, fromOrg, toOrg string, amount float64, currency string) *lifecycle.Error {
	if amount < 0 {
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeInvalidAmount,
			Message: "Invalid settlement amount",
			Detail:  fmt.Sprintf("amount must be non-negative, got %.2f", amount),
		}
	}

	var failure *lifecycle.Error
	err := s.db.WithContext(ctx).Transaction(func(dbTx *gorm.DB) error {
		var existing models.SettlementRecord
		err := dbTx.Where("transaction_id = ?", transactionID).First(&existing).Error
		if err == nil {
			s.logger.Info("settlement already applied", "tx", transactionID)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		from, lockErr := lockWallet(dbTx, fromOrg)
		if lockErr != nil {
			failure = lockErr
			return failure
		}
		to, lockErr := lockWallet(dbTx, toOrg)
		if lockErr != nil {
			failure = lockErr
			return failure
		}

		// Re-check once the wallet locks are held: a racing settlement
		// that reached the locks first has committed its record by now,
		// and the first check predates that commit.
		err = dbTx.Where("transaction_id = ?", transactionID).First(&existing).Error
		if err == nil {
			s.logger.Info("settlement already applied", "tx", transactionID)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if failure = checkWallet(from, currency, amount); failure != nil {
			return failure
		}
		if failure = checkWallet(to, currency, 0); failure != nil {
			return failure
		}

		res := dbTx.Model(&models.Wallet{}).
			Where("wallet_id = ? AND balance >= ?", from.ID, amount).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			failure = insufficientFunds(from, amount)
			return failure
		}

		if err := dbTx.Model(&models.Wallet{}).
			Where("wallet_id = ?", to.ID).
			Update("balance", gorm.Expr("balance + ?", amount)).Error; err != nil {
			return err
		}

		createErr := dbTx.Create(&models.SettlementRecord{
			TransactionID: transactionID,
			FromWalletID:  from.ID,
			ToWalletID:    to.ID,
			Amount:        amount,
			Currency:      currency,
		}).Error
		if duplicateRecord(createErr) {
			// Rolls back this caller's debit and credit.
			return errAlreadySettled
		}
		return createErr
	})
	if err != nil {
		if errors.Is(err, errAlreadySettled) {
			s.logger.Info("settlement already applied", "tx", transactionID)
			return nil
		}
		if failure != nil {
			return failure
		}
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeDatabase,
			Message: "Settlement failed",
			Detail:  err.Error(),
		}
	}

	s.logger.Info("settlement applied", "tx", transactionID, "from", fromOrg, "to", toOrg, "amount", amount, "currency", currency)
	return nil
}

// duplicateRecord reports whether err is the unique-index violation on
// the settlement record's transaction id, meaning a concurrent
// settlement for the same transaction committed first.
func duplicateRecord(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == repository.PgErrUniqueViolation
}

// lockWallet loads a wallet row under FOR UPDATE so concurrent
// settlements on the same wallet serialize.
func lockWallet(dbTx *gorm.DB, orgID string) (*models.Wallet, *lifecycle.Error) {
	var wallet models.Wallet
	err := dbTx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ?", orgID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &lifecycle.Error{
				Code:    lifecycle.ErrCodeNotFound,
				Message: "Wallet does not exist",
				Detail:  fmt.Sprintf("no wallet for organization %s", orgID),
			}
		}
		return nil, &lifecycle.Error{
			Code:    lifecycle.ErrCodeDatabase,
			Message: "Database error occurred",
			Detail:  err.Error(),
		}
	}
	return &wallet, nil
}

// checkWallet validates status and currency; amount > 0 additionally
// requires sufficient balance.
func checkWallet(w *models.Wallet, currency string, amount float64) *lifecycle.Error {
	if w.Status == models.WalletStatusFrozen {
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeWalletFrozen,
			Message: "Wallet is frozen",
			Detail:  fmt.Sprintf("wallet %s does not accept transfers", w.ID),
		}
	}
	if w.Currency != currency {
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeCurrencyMismatch,
			Message: "Currency mismatch",
			Detail:  fmt.Sprintf("wallet %s holds %s, settlement is in %s", w.ID, w.Currency, currency),
		}
	}
	if amount > 0 && w.Balance < amount {
		return insufficientFunds(w, amount)
	}
	return nil
}

func insufficientFunds(w *models.Wallet, amount float64) *lifecycle.Error {
	return &lifecycle.Error{
		Code:    lifecycle.ErrCodeInsufficientFunds,
		Message: "Insufficient funds",
		Detail:  fmt.Sprintf("wallet %s holds %.2f, settlement requires %.2f", w.ID, w.Balance, amount),
	}
}
