package models

// DataAsset represents a dataset offered on the exchange. The Subject
// organization commercially owns it, the Holder organization is its
// technical custodian.
type DataAsset struct {
	ID           string        `gorm:"column:asset_id;primaryKey;type:varchar(50)"`
	Name         string        `gorm:"column:name;type:varchar(100);not null"`
	Description  string        `gorm:"column:description;type:text"`
	SubjectOrgID string        `gorm:"column:subject_org_id;type:varchar(50);index;not null"`
	Subject      *Organization `gorm:"foreignKey:SubjectOrgID"`
	HolderOrgID  string        `gorm:"column:holder_org_id;type:varchar(50);index;not null"`
	Holder       *Organization `gorm:"foreignKey:HolderOrgID"`
	// Default commercial terms, copied onto a transaction at creation
	// and frozen there once the transaction is submitted.
	Action       string  `gorm:"column:action;type:varchar(20);default:'read'"`
	UnitPrice    float64 `gorm:"column:unit_price;type:decimal(12,2);not null"`
	Currency     string  `gorm:"column:currency;type:varchar(3);not null"`
	DurationDays int     `gorm:"column:duration_days;not null"`
}
