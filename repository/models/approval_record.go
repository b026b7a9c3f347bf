package models

import "time"

// ApprovalRecord is one entry of a transaction's approval history.
// Records are append-only; the sequence number gives the total order of
// successful transitions for a transaction.
type ApprovalRecord struct {
	ID            uint             `gorm:"column:approval_id;primaryKey;autoIncrement"`
	TransactionID string           `gorm:"column:transaction_id;type:varchar(50);index;not null"`
	Transaction   *DataTransaction `gorm:"foreignKey:TransactionID"`
	Sequence      int              `gorm:"column:sequence;not null"`
	ActorRole     string           `gorm:"column:actor_role;type:varchar(20);not null"`
	ActorOrgID    string           `gorm:"column:actor_org_id;type:varchar(50);index"`
	Decision      string           `gorm:"column:decision;type:varchar(30);not null"`
	Reason        string           `gorm:"column:reason;type:text"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
}
