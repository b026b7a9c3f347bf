package models

import "time"

// Wallet statuses.
const (
	WalletStatusActive = "active"
	WalletStatusFrozen = "frozen"
)

// Wallet holds an organization's balance. Wallets are the only
// cross-transaction shared mutable state; the settlement service
// serializes access to them.
type Wallet struct {
	ID             string    `gorm:"column:wallet_id;primaryKey;type:varchar(50)"`
	OrganizationID string    `gorm:"column:organization_id;type:varchar(50);uniqueIndex;not null"`
	Balance        float64   `gorm:"column:balance;type:decimal(14,2);not null;default:0"`
	Currency       string    `gorm:"column:currency;type:varchar(3);not null"`
	Status         string    `gorm:"column:status;type:varchar(20);default:'active'"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
