// Package srvreg routes exchange API requests to their handlers. Routes
// are either exact paths or simple ":param" patterns.
package srvreg

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"encoding/hex"
	"encoding/json"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/datavern/exchange/accesslog"
	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/notary"
	"github.com/datavern/exchange/repository"
)

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      map[string]string `json:"query,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"` // Unique ID for the request
	Timestamp  time.Time         `json:"timestamp"`
}

// GenerateRequestID generates a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Response represents the computed response from a handler
type Response struct {
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	Error         string            `json:"error,omitempty"`
	BodyInterface interface{}       `json:"body_interface"`
}

// ParseBody attempts to parse the Response's Body field as JSON
// and returns the structured data or nil if parsing fails.
func (r *Response) ParseBody() interface{} {
	// If Body is empty, return nil
	if r.Body == "" {
		return nil
	}

	// First try to unmarshal into a map (JSON object)
	var bodyMap map[string]interface{}
	err := json.Unmarshal([]byte(r.Body), &bodyMap)
	if err == nil {
		return bodyMap
	}

	// If that fails, try as a JSON array
	var bodyArray []interface{}
	err = json.Unmarshal([]byte(r.Body), &bodyArray)
	if err == nil {
		return bodyArray
	}

	// If not valid JSON, return nil
	log.Println("Invalid JSON")
	log.Println(err)
	return nil
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	engine      *lifecycle.Engine
	recorder    *accesslog.Recorder
	repository  *repository.Repository
	notary      *notary.Client
	logger      cmtlog.Logger
}

// ConvertHTTPRequest converts an http.Request to a Request
func ConvertHTTPRequest(r *http.Request, requestID string) (*Request, error) {
	// Extract headers
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	// Read body if present
	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      query,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(
	engine *lifecycle.Engine,
	recorder *accesslog.Recorder,
	repository *repository.Repository,
	notaryClient *notary.Client,
	logger cmtlog.Logger,
) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		engine:      engine,
		recorder:    recorder,
		repository:  repository,
		notary:      notaryClient,
		logger:      logger,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}

		// Skip exact routes in pattern matching
		if sr.exactRoutes[routeKey] {
			continue
		}

		// Simple pattern matching - can be enhanced
		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/transactions/:id" matching "/transactions/DTX-123"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			// This is a parameter part, it matches anything
			continue
		}

		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// RegisterDefaultServices sets up the exchange API routes
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Endpoints
	// Create Transaction Endpoint
	sr.RegisterHandler(
		"POST",
		"/transactions",
		true,
		sr.CreateTransactionHandler,
	)
	// Get Transaction Endpoint
	sr.RegisterHandler(
		"GET",
		"/transactions/:id",
		false,
		sr.GetTransactionHandler,
	)
	// Update Commercial Terms Endpoint
	sr.RegisterHandler(
		"PUT",
		"/transactions/:id/terms",
		false,
		sr.UpdateTermsHandler,
	)
	// Submit for Approval Endpoint
	sr.RegisterHandler(
		"POST",
		"/transactions/:id/submit",
		false,
		sr.SubmitHandler,
	)
	// Cancel Endpoint
	sr.RegisterHandler(
		"POST",
		"/transactions/:id/cancel",
		false,
		sr.CancelHandler,
	)
	// Subject Decision Endpoint
	sr.RegisterHandler(
		"POST",
		"/transactions/:id/subject-decision",
		false,
		sr.SubjectDecisionHandler,
	)
	// Holder Decision Endpoint
	sr.RegisterHandler(
		"POST",
		"/transactions/:id/holder-decision",
		false,
		sr.HolderDecisionHandler,
	)
	// Complete Endpoint
	sr.RegisterHandler(
		"POST",
		"/transactions/:id/complete",
		false,
		sr.CompleteHandler,
	)
	// Ledger Verification Endpoint
	sr.RegisterHandler(
		"GET",
		"/transactions/:id/notarization",
		false,
		sr.NotarizationHandler,
	)
	// Record Access Log Endpoint
	sr.RegisterHandler(
		"POST",
		"/access-logs",
		true,
		sr.RecordAccessHandler,
	)
	// Query Access Log Endpoint
	sr.RegisterHandler(
		"GET",
		"/access-logs",
		true,
		sr.QueryAccessHandler,
	)
	// Wallet Balance Endpoint
	sr.RegisterHandler(
		"GET",
		"/wallets/:orgID",
		false,
		sr.WalletHandler,
	)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	// Find the appropriate service handler for this request
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}

	// Execute the handler
	return handler(req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		// If it's not JSON, return trimmed original
		return strings.TrimSpace(body)
	}
	return buf.String()
}
