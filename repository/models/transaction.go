package models

import "time"

// DataTransaction represents one Consumer request for access to a data
// asset, moving through the two-step approval lifecycle. Rows are never
// deleted; terminal states are retained for audit.
type DataTransaction struct {
	ID            string        `gorm:"column:transaction_id;primaryKey;type:varchar(50)"`
	ConsumerOrgID string        `gorm:"column:consumer_org_id;type:varchar(50);index;not null"`
	Consumer      *Organization `gorm:"foreignKey:ConsumerOrgID"`
	SubjectOrgID  string        `gorm:"column:subject_org_id;type:varchar(50);index;not null"`
	Subject       *Organization `gorm:"foreignKey:SubjectOrgID"`
	HolderOrgID   string        `gorm:"column:holder_org_id;type:varchar(50);index;not null"`
	Holder        *Organization `gorm:"foreignKey:HolderOrgID"`
	AssetID       string        `gorm:"column:asset_id;type:varchar(50);index;not null"`
	Asset         *DataAsset    `gorm:"foreignKey:AssetID"`

	// Commercial terms, frozen once the transaction leaves "initiated".
	Action       string  `gorm:"column:action;type:varchar(20);not null"`
	UnitPrice    float64 `gorm:"column:unit_price;type:decimal(12,2);not null"`
	Currency     string  `gorm:"column:currency;type:varchar(3);not null"`
	DurationDays int     `gorm:"column:duration_days;not null"`

	Status string `gorm:"column:status;type:varchar(20);not null;index"`

	// Usage-rights document, attached on pending_holder -> approved.
	PolicyUID string `gorm:"column:policy_uid;type:varchar(80)"`
	PolicyDoc string `gorm:"column:policy_doc;type:text"`

	// Ledger reference, populated at most once after completion.
	LedgerTxHash      *string `gorm:"column:ledger_tx_hash;type:varchar(66)"`
	LedgerBlockHeight *int64  `gorm:"column:ledger_block_height"`
	// Set when a completed transaction still awaits notarization.
	NotaryPending bool `gorm:"column:notary_pending;default:false;index"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`

	// Relationships
	Approvals  []ApprovalRecord  `gorm:"foreignKey:TransactionID"`
	Settlement *SettlementRecord `gorm:"foreignKey:TransactionID"`
}
