package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/datavern/exchange/accesslog"
	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository/models"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// errorResponse maps a lifecycle error to its HTTP shape.
func errorResponse(err *lifecycle.Error) (*Response, error) {
	status := http.StatusInternalServerError
	switch err.Code {
	case lifecycle.ErrCodeNotFound:
		status = http.StatusNotFound
	case lifecycle.ErrCodeInvalidTransition, lifecycle.ErrCodeConcurrencyConflict:
		status = http.StatusConflict
	case lifecycle.ErrCodePolicySynthesis, lifecycle.ErrCodeCurrencyMismatch, lifecycle.ErrCodeInvalidAmount:
		status = http.StatusUnprocessableEntity
	case lifecycle.ErrCodeInsufficientFunds:
		status = http.StatusPaymentRequired
	case lifecycle.ErrCodeWalletFrozen:
		status = http.StatusLocked
	case lifecycle.ErrCodeNotarization:
		status = http.StatusBadGateway
	}

	body, _ := json.Marshal(map[string]string{
		"error":  err.Message,
		"code":   err.Code,
		"detail": err.Detail,
	})
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, fmt.Errorf("%s: %s", err.Code, err.Message)
}

func badRequest(msg string) (*Response, error) {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"error":"%s"}`, msg),
	}, fmt.Errorf("%s", msg)
}

func invalidBody(sr *ServiceRegistry, err error) (*Response, error) {
	sr.logger.Info("Failed to parse body", "error", err.Error())
	return &Response{
		StatusCode: http.StatusUnprocessableEntity,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
	}, fmt.Errorf("invalid body format")
}

func transactionResponse(status int, message string, tx *models.DataTransaction) (*Response, error) {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize transaction"}`,
		}, nil
	}
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"message":"%s","transaction":%s}`, message, txJSON),
	}, nil
}

// transactionID extracts the :id path parameter from /transactions/:id/...
func transactionID(path string, wantParts int) (string, bool) {
	pathParts := strings.Split(path, "/")
	if len(pathParts) != wantParts {
		return "", false
	}
	return pathParts[2], true
}

type createTransactionHandlerBody struct {
	ConsumerOrgID string   `json:"consumer_org_id"`
	AssetID       string   `json:"asset_id"`
	UnitPrice     *float64 `json:"unit_price"`
	Currency      string   `json:"currency"`
	DurationDays  int      `json:"duration_days"`
}

// CreateTransactionHandler opens a new data-access transaction for a
// Consumer against a catalogued asset.
func (sr *ServiceRegistry) CreateTransactionHandler(req *Request) (*Response, error) {
	var body createTransactionHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}

	if body.ConsumerOrgID == "" {
		return badRequest("consumer_org_id is required")
	}
	if body.AssetID == "" {
		return badRequest("asset_id is required")
	}

	tx, lcErr := sr.engine.Create(context.Background(), lifecycle.CreateParams{
		ConsumerOrgID: body.ConsumerOrgID,
		AssetID:       body.AssetID,
		UnitPrice:     body.UnitPrice,
		Currency:      body.Currency,
		DurationDays:  body.DurationDays,
	})
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return transactionResponse(http.StatusCreated, "Transaction created", tx)
}

// GetTransactionHandler returns a transaction with its approval history.
func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 3)
	if !ok {
		return badRequest("Invalid path format")
	}

	tx, lcErr := sr.engine.Get(context.Background(), id)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	txJSON, err := json.Marshal(tx)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize transaction"}`,
		}, nil
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(txJSON),
	}, nil
}

type updateTermsHandlerBody struct {
	UnitPrice    float64 `json:"unit_price"`
	Currency     string  `json:"currency"`
	DurationDays int     `json:"duration_days"`
}

// UpdateTermsHandler changes the commercial terms of a transaction that
// has not yet been submitted.
func (sr *ServiceRegistry) UpdateTermsHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	var body updateTermsHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}
	if body.Currency == "" {
		return badRequest("currency is required")
	}
	if body.DurationDays <= 0 {
		return badRequest("duration_days must be positive")
	}

	if lcErr := sr.engine.UpdateTerms(context.Background(), id, body.UnitPrice, body.Currency, body.DurationDays); lcErr != nil {
		return errorResponse(lcErr)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"message":"Terms updated","transaction_id":"%s"}`, id),
	}, nil
}

type actorHandlerBody struct {
	ActorOrgID string `json:"actor_org_id"`
	Reason     string `json:"reason"`
}

// SubmitHandler moves a transaction into the approval pipeline.
func (sr *ServiceRegistry) SubmitHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	var body actorHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}
	if body.ActorOrgID == "" {
		return badRequest("actor_org_id is required")
	}

	tx, lcErr := sr.engine.Submit(context.Background(), id, body.ActorOrgID)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return transactionResponse(http.StatusAccepted, "Transaction submitted", tx)
}

// CancelHandler abandons a transaction that was never submitted.
func (sr *ServiceRegistry) CancelHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	var body actorHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}
	if body.ActorOrgID == "" {
		return badRequest("actor_org_id is required")
	}

	tx, lcErr := sr.engine.Cancel(context.Background(), id, body.ActorOrgID, body.Reason)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return transactionResponse(http.StatusAccepted, "Transaction cancelled", tx)
}

type subjectDecisionHandlerBody struct {
	ActorOrgID string `json:"actor_org_id"`
	Approve    *bool  `json:"approve"`
	Reason     string `json:"reason"`
}

// SubjectDecisionHandler records the data owner's approval or denial.
func (sr *ServiceRegistry) SubjectDecisionHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	var body subjectDecisionHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}
	if body.ActorOrgID == "" {
		return badRequest("actor_org_id is required")
	}
	if body.Approve == nil {
		return badRequest("approve is required")
	}

	tx, lcErr := sr.engine.SubjectDecision(context.Background(), id, body.ActorOrgID, *body.Approve, body.Reason)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return transactionResponse(http.StatusAccepted, "Subject decision recorded", tx)
}

type holderDecisionHandlerBody struct {
	ActorOrgID string `json:"actor_org_id"`
	Release    *bool  `json:"release"`
	Reason     string `json:"reason"`
}

// HolderDecisionHandler records the data custodian's release or denial.
// A release also attaches the synthesized usage policy.
func (sr *ServiceRegistry) HolderDecisionHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	var body holderDecisionHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}
	if body.ActorOrgID == "" {
		return badRequest("actor_org_id is required")
	}
	if body.Release == nil {
		return badRequest("release is required")
	}

	tx, lcErr := sr.engine.HolderDecision(context.Background(), id, body.ActorOrgID, *body.Release, body.Reason)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return transactionResponse(http.StatusAccepted, "Holder decision recorded", tx)
}

// CompleteHandler settles payment and closes an approved transaction.
func (sr *ServiceRegistry) CompleteHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	tx, lcErr := sr.engine.Complete(context.Background(), id)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return transactionResponse(http.StatusAccepted, "Transaction completed", tx)
}

// NotarizationHandler returns the ledger record for a completed
// transaction, looked up on the chain rather than from the database.
func (sr *ServiceRegistry) NotarizationHandler(req *Request) (*Response, error) {
	id, ok := transactionID(req.Path, 4)
	if !ok {
		return badRequest("Invalid path format")
	}

	ref, lcErr := sr.notary.Lookup(context.Background(), id)
	if lcErr != nil {
		return errorResponse(lcErr)
	}
	if ref == nil {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"No notarization record for transaction %s"}`, id),
		}, fmt.Errorf("notarization not found")
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"transaction_id":"%s","ledger_tx_hash":"%s","ledger_block_height":%d}`, id, ref.TxHash, ref.BlockHeight),
	}, nil
}

type recordAccessHandlerBody struct {
	OrganizationID string    `json:"organization_id"`
	AssetID        string    `json:"asset_id"`
	Action         string    `json:"action"`
	Success        *bool     `json:"success"`
	ErrorMessage   string    `json:"error_message"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// RecordAccessHandler appends a raw access event. Events are stored as
// received; duplicates collapse at query time.
func (sr *ServiceRegistry) RecordAccessHandler(req *Request) (*Response, error) {
	var body recordAccessHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		return invalidBody(sr, err)
	}
	if body.OrganizationID == "" {
		return badRequest("organization_id is required")
	}
	if body.AssetID == "" {
		return badRequest("asset_id is required")
	}
	if body.Action == "" {
		return badRequest("action is required")
	}
	if body.Success == nil {
		return badRequest("success is required")
	}

	lcErr := sr.recorder.Record(models.AccessLogEntry{
		OrganizationID: body.OrganizationID,
		AssetID:        body.AssetID,
		Action:         body.Action,
		Success:        *body.Success,
		ErrorMessage:   body.ErrorMessage,
		OccurredAt:     body.OccurredAt,
	})
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return &Response{
		StatusCode: http.StatusCreated,
		Headers:    defaultHeaders,
		Body:       `{"message":"Access event recorded"}`,
	}, nil
}

// QueryAccessHandler returns the deduplicated access trail, filtered by
// organization and asset query parameters.
func (sr *ServiceRegistry) QueryAccessHandler(req *Request) (*Response, error) {
	limit := 0
	if raw := req.Query["limit"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		limit = parsed
	}

	entries, lcErr := sr.recorder.Query(accesslog.Filter{
		OrganizationID: req.Query["organization_id"],
		AssetID:        req.Query["asset_id"],
		Limit:          limit,
	})
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize access log"}`,
		}, nil
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"count":%d,"entries":%s}`, len(entries), entriesJSON),
	}, nil
}

// WalletHandler returns an organization's wallet balance.
func (sr *ServiceRegistry) WalletHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 3 {
		return badRequest("Invalid path format")
	}
	orgID := pathParts[2]

	wallet, lcErr := sr.repository.GetWalletByOrg(orgID)
	if lcErr != nil {
		return errorResponse(lcErr)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body: fmt.Sprintf(`{"wallet_id":"%s","organization_id":"%s","balance":%.2f,"currency":"%s","status":"%s"}`,
			wallet.ID, wallet.OrganizationID, wallet.Balance, wallet.Currency, wallet.Status),
	}, nil
}
