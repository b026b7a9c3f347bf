// Package repository is the durable Transaction Store behind the
// lifecycle engine: one transaction row per request, an append-only
// approval history, and the access log. All failures surface as typed
// *lifecycle.Error values; the compare-and-swap on status is the only
// concurrency-control mechanism for transaction mutation.
package repository

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback
	PgErrSerializationFail   = "40001" // serialization_failure

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure
)

type Repository struct {
	db *gorm.DB
}

func NewRepository() *Repository {
	return &Repository{}
}

// ConnectDB opens the Postgres connection, retrying while the database
// comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		db, err := gorm.Open(postgres.Open(dsn))
		if err == nil {
			r.db = db
			log.Println("Connected to Postgres")
			return nil
		}
		lastErr = err
		log.Printf("Connection attempt %d failed: %v\n", i+1, err)
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

// DB exposes the underlying handle for collaborators that manage their
// own transactions (the settlement service).
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Organization{},
		&models.Wallet{},
		&models.DataAsset{},
		&models.DataTransaction{},
		&models.ApprovalRecord{},
		&models.SettlementRecord{},
		&models.AccessLogEntry{},
	)
	if err != nil {
		return err
	}
	log.Println("Database migration completed successfully")
	return nil
}

// Seed loads initial organizations, wallets, and assets. Skipped when
// data already exists.
func (r *Repository) Seed() {
	var orgCount int64
	r.db.Model(&models.Organization{}).Count(&orgCount)
	if orgCount > 0 {
		log.Println("Seed data already exists, skipping...")
		return
	}

	log.Println("Seeding database with initial data...")

	orgs := []models.Organization{
		{ID: "ORG-001", Name: "Nordwind Analytics"},
		{ID: "ORG-002", Name: "Helvetia Mobility Data"},
		{ID: "ORG-003", Name: "Alpine Cloud Custody"},
		{ID: "ORG-004", Name: "Citymetrics Research"},
	}
	for _, org := range orgs {
		if err := r.db.Create(&org).Error; err != nil {
			log.Printf("Error creating organization %s: %v", org.ID, err)
		}
	}

	wallets := []models.Wallet{
		{ID: "WAL-001", OrganizationID: "ORG-001", Balance: 10000, Currency: "EUR", Status: models.WalletStatusActive},
		{ID: "WAL-002", OrganizationID: "ORG-002", Balance: 2500, Currency: "EUR", Status: models.WalletStatusActive},
		{ID: "WAL-003", OrganizationID: "ORG-003", Balance: 0, Currency: "EUR", Status: models.WalletStatusActive},
		{ID: "WAL-004", OrganizationID: "ORG-004", Balance: 120, Currency: "EUR", Status: models.WalletStatusActive},
	}
	for _, wallet := range wallets {
		if err := r.db.Create(&wallet).Error; err != nil {
			log.Printf("Error creating wallet %s: %v", wallet.ID, err)
		}
	}

	assets := []models.DataAsset{
		{ID: "AST-001", Name: "Regional Traffic Counts", Description: "Hourly vehicle counts, 2019-2025", SubjectOrgID: "ORG-002", HolderOrgID: "ORG-003", Action: "read", UnitPrice: 150, Currency: "EUR", DurationDays: 365},
		{ID: "AST-002", Name: "Retail Footfall Index", Description: "Weekly aggregated footfall per district", SubjectOrgID: "ORG-002", HolderOrgID: "ORG-003", Action: "read", UnitPrice: 80, Currency: "EUR", DurationDays: 90},
		{ID: "AST-003", Name: "Charging Station Telemetry", Description: "Anonymized EV charging sessions", SubjectOrgID: "ORG-004", HolderOrgID: "ORG-003", Action: "distribute", UnitPrice: 420, Currency: "EUR", DurationDays: 180},
	}
	for _, asset := range assets {
		if err := r.db.Create(&asset).Error; err != nil {
			log.Printf("Error creating asset %s: %v", asset.ID, err)
		}
	}

	log.Println("Database seeding completed successfully")
}

// wrapErr maps a database error onto the typed lifecycle error taxonomy.
func wrapErr(err error, notFoundDetail string) *lifecycle.Error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeNotFound,
			Message: "Entity does not exist",
			Detail:  notFoundDetail,
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeDatabase,
			Message: pgErr.Message,
			Detail:  fmt.Sprintf("sqlstate %s: %s", pgErr.Code, pgErr.Detail),
		}
	}
	return &lifecycle.Error{
		Code:    lifecycle.ErrCodeDatabase,
		Message: "Database error occurred",
		Detail:  err.Error(),
	}
}

// CreateTransaction inserts a new transaction row.
func (r *Repository) CreateTransaction(tx *models.DataTransaction) *lifecycle.Error {
	dbTx := r.db.Begin()
	if err := dbTx.Create(tx).Error; err != nil {
		dbTx.Rollback()
		return wrapErr(err, fmt.Sprintf("failed to create transaction %s", tx.ID))
	}
	if err := dbTx.Commit().Error; err != nil {
		return wrapErr(err, "")
	}
	return nil
}

// GetTransaction loads a transaction with its ordered approval history.
func (r *Repository) GetTransaction(id string) (*models.DataTransaction, *lifecycle.Error) {
	var tx models.DataTransaction
	err := r.db.
		Preload("Approvals", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Preload("Settlement").
		Where("transaction_id = ?", id).
		First(&tx).Error
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("transaction with id %s does not exist", id))
	}
	return &tx, nil
}

func (r *Repository) GetAsset(id string) (*models.DataAsset, *lifecycle.Error) {
	var asset models.DataAsset
	err := r.db.Where("asset_id = ?", id).First(&asset).Error
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("asset with id %s does not exist", id))
	}
	return &asset, nil
}

// CompareAndSetStatus performs the optimistic status swap: the update only
// applies while the stored status still equals expected. A losing racer
// observes zero affected rows and receives CONCURRENCY_CONFLICT (or
// ENTITY_NOT_FOUND when the row never existed). The approval history
// record commits in the same database transaction as the status change,
// so a transition either lands with its history entry or not at all.
func (r *Repository) CompareAndSetStatus(id, expected, next string, updates map[string]any, rec models.ApprovalRecord) *lifecycle.Error {
	merged := map[string]any{"status": next}
	for k, v := range updates {
		merged[k] = v
	}

	var typedErr *lifecycle.Error
	err := r.db.Transaction(func(dbTx *gorm.DB) error {
		res := dbTx.Model(&models.DataTransaction{}).
			Where("transaction_id = ? AND status = ?", id, expected).
			Updates(merged)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			dbTx.Model(&models.DataTransaction{}).Where("transaction_id = ?", id).Count(&count)
			if count == 0 {
				typedErr = &lifecycle.Error{
					Code:    lifecycle.ErrCodeNotFound,
					Message: "Transaction does not exist",
					Detail:  fmt.Sprintf("transaction with id %s does not exist", id),
				}
			} else {
				typedErr = &lifecycle.Error{
					Code:    lifecycle.ErrCodeConcurrencyConflict,
					Message: "Transaction was modified concurrently",
					Detail:  fmt.Sprintf("status of %s no longer is %q", id, expected),
				}
			}
			return typedErr
		}
		rec.TransactionID = id
		return dbTx.Create(&rec).Error
	})
	if err != nil {
		if typedErr != nil {
			return typedErr
		}
		return wrapErr(err, "")
	}
	return nil
}

// UpdateTerms rewrites the commercial terms while the transaction is
// still "initiated"; once it has left that status the conditional update
// matches no row and the attempt is rejected.
func (r *Repository) UpdateTerms(id string, price float64, currency string, durationDays int) *lifecycle.Error {
	res := r.db.Model(&models.DataTransaction{}).
		Where("transaction_id = ? AND status = ?", id, lifecycle.StatusInitiated).
		Updates(map[string]any{
			"unit_price":    price,
			"currency":      currency,
			"duration_days": durationDays,
		})
	if res.Error != nil {
		return wrapErr(res.Error, "")
	}
	if res.RowsAffected == 0 {
		return &lifecycle.Error{
			Code:    lifecycle.ErrCodeInvalidTransition,
			Message: "Commercial terms are frozen",
			Detail:  fmt.Sprintf("transaction %s does not exist or already left %q", id, lifecycle.StatusInitiated),
		}
	}
	return nil
}

// MarkNotarized records the ledger reference. The reference is written at
// most once; a call finding one already in place is a no-op.
func (r *Repository) MarkNotarized(id, txHash string, blockHeight int64) *lifecycle.Error {
	res := r.db.Model(&models.DataTransaction{}).
		Where("transaction_id = ? AND ledger_tx_hash IS NULL", id).
		Updates(map[string]any{
			"ledger_tx_hash":      txHash,
			"ledger_block_height": blockHeight,
			"notary_pending":      false,
		})
	if res.Error != nil {
		return wrapErr(res.Error, "")
	}
	return nil
}

// FlagNotarizationPending marks a completed transaction for background
// notarization retry.
func (r *Repository) FlagNotarizationPending(id string) *lifecycle.Error {
	res := r.db.Model(&models.DataTransaction{}).
		Where("transaction_id = ?", id).
		Update("notary_pending", true)
	if res.Error != nil {
		return wrapErr(res.Error, "")
	}
	return nil
}

// ListPendingNotarizations returns completed transactions still lacking a
// ledger reference, oldest first.
func (r *Repository) ListPendingNotarizations(limit int) ([]models.DataTransaction, *lifecycle.Error) {
	var txs []models.DataTransaction
	err := r.db.
		Where("status = ? AND notary_pending = ? AND ledger_tx_hash IS NULL", lifecycle.StatusCompleted, true).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, wrapErr(err, "")
	}
	return txs, nil
}

// AppendAccessLog writes one access attempt. Duplicate writes are
// expected and not errors; the read path collapses them.
func (r *Repository) AppendAccessLog(entry models.AccessLogEntry) *lifecycle.Error {
	if err := r.db.Create(&entry).Error; err != nil {
		return wrapErr(err, "")
	}
	return nil
}

// ListAccessLog returns entries matching the filter, ordered by
// occurrence time then insertion order.
func (r *Repository) ListAccessLog(orgID, assetID string, limit int) ([]models.AccessLogEntry, *lifecycle.Error) {
	q := r.db.Model(&models.AccessLogEntry{})
	if orgID != "" {
		q = q.Where("organization_id = ?", orgID)
	}
	if assetID != "" {
		q = q.Where("asset_id = ?", assetID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.AccessLogEntry
	if err := q.Order("occurred_at ASC, access_log_id ASC").Find(&entries).Error; err != nil {
		return nil, wrapErr(err, "")
	}
	return entries, nil
}

// GetWalletByOrg looks up an organization's wallet.
func (r *Repository) GetWalletByOrg(orgID string) (*models.Wallet, *lifecycle.Error) {
	var wallet models.Wallet
	err := r.db.Where("organization_id = ?", orgID).First(&wallet).Error
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("no wallet for organization %s", orgID))
	}
	return &wallet, nil
}
