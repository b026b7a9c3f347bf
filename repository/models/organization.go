package models

// Organization represents a participant in the data exchange. The same
// organization can act as Consumer, Subject, or Holder on different
// transactions.
type Organization struct {
	ID   string `gorm:"column:organization_id;primaryKey;type:varchar(50)"`
	Name string `gorm:"column:name;type:varchar(100);not null"`

	// Relationships
	Wallet *Wallet     `gorm:"foreignKey:OrganizationID"`
	Assets []DataAsset `gorm:"foreignKey:SubjectOrgID"`
}
