package models

import "time"

// SettlementRecord is the audit row of a completed fund transfer. One per
// transaction; its presence means the transfer was applied atomically.
type SettlementRecord struct {
	ID            uint      `gorm:"column:settlement_id;primaryKey;autoIncrement"`
	TransactionID string    `gorm:"column:transaction_id;type:varchar(50);uniqueIndex;not null"`
	FromWalletID  string    `gorm:"column:from_wallet_id;type:varchar(50);not null"`
	ToWalletID    string    `gorm:"column:to_wallet_id;type:varchar(50);not null"`
	Amount        float64   `gorm:"column:amount;type:decimal(12,2);not null"`
	Currency      string    `gorm:"column:currency;type:varchar(3);not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}
