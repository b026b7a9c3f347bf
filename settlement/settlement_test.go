package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository"
	"github.com/datavern/exchange/repository/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func activeWallet(balance float64) *models.Wallet {
	return &models.Wallet{
		ID:             "WAL-001",
		OrganizationID: "ORG-001",
		Balance:        balance,
		Currency:       "EUR",
		Status:         models.WalletStatusActive,
	}
}

func TestCheckWallet(t *testing.T) {
	cases := []struct {
		name     string
		wallet   *models.Wallet
		currency string
		amount   float64
		wantCode string
	}{
		{"sufficient balance", activeWallet(500), "EUR", 150, ""},
		{"exact balance", activeWallet(150), "EUR", 150, ""},
		{"receiving side ignores balance", activeWallet(0), "EUR", 0, ""},
		{"insufficient funds", activeWallet(100), "EUR", 150, lifecycle.ErrCodeInsufficientFunds},
		{"currency mismatch", activeWallet(500), "USD", 150, lifecycle.ErrCodeCurrencyMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkWallet(tc.wallet, tc.currency, tc.amount)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Code != tc.wantCode {
				t.Fatalf("expected %s, got %v", tc.wantCode, err)
			}
		})
	}
}

func TestCheckWalletFrozen(t *testing.T) {
	frozen := activeWallet(500)
	frozen.Status = models.WalletStatusFrozen

	// A frozen wallet rejects both sides of a transfer.
	if err := checkWallet(frozen, "EUR", 150); err == nil || err.Code != lifecycle.ErrCodeWalletFrozen {
		t.Fatalf("expected %s on debit side, got %v", lifecycle.ErrCodeWalletFrozen, err)
	}
	if err := checkWallet(frozen, "EUR", 0); err == nil || err.Code != lifecycle.ErrCodeWalletFrozen {
		t.Fatalf("expected %s on credit side, got %v", lifecycle.ErrCodeWalletFrozen, err)
	}
}

func TestCheckWalletFrozenBeforeCurrency(t *testing.T) {
	w := activeWallet(500)
	w.Status = models.WalletStatusFrozen
	w.Currency = "USD"

	err := checkWallet(w, "EUR", 150)
	if err == nil || err.Code != lifecycle.ErrCodeWalletFrozen {
		t.Fatalf("frozen status must be reported first, got %v", err)
	}
}

func TestInsufficientFundsDetail(t *testing.T) {
	err := insufficientFunds(activeWallet(99.5), 150)
	if err.Code != lifecycle.ErrCodeInsufficientFunds {
		t.Fatalf("unexpected code %s", err.Code)
	}
	if !lifecycle.IsSettlementFailure(err) {
		t.Error("insufficient funds must classify as a settlement failure")
	}
}

func TestSettleRejectsNegativeAmount(t *testing.T) {
	svc := NewService(nil, cmtlog.NewNopLogger())
	err := svc.Settle(context.Background(), "DTX-1", "ORG-001", "ORG-002", -1, "EUR")
	if err == nil {
		t.Fatal("negative amount must be rejected before touching the database")
	}
	if err.Code != lifecycle.ErrCodeInvalidAmount {
		t.Errorf("expected %s, got %s", lifecycle.ErrCodeInvalidAmount, err.Code)
	}
	if !lifecycle.IsSettlementFailure(err) {
		t.Errorf("expected a settlement failure, got %s", err.Code)
	}
}

func TestDuplicateRecordDetection(t *testing.T) {
	unique := &pgconn.PgError{Code: repository.PgErrUniqueViolation, ConstraintName: "idx_settlement_records_transaction_id"}

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", unique, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", unique), true},
		{"foreign key violation", &pgconn.PgError{Code: repository.PgErrForeignKeyViolation}, false},
		{"record not found", gorm.ErrRecordNotFound, false},
		{"plain error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := duplicateRecord(tc.err); got != tc.want {
				t.Fatalf("duplicateRecord(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}
