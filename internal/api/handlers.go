/**
 * @description
 * This file contains the HTTP handlers for the transaction-service's API endpoints.
 * Handlers parse incoming requests, call the application services and write the
 * HTTP response. Every service error is translated to a status code in one place,
 * writeServiceError.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request body validation.
 * - internal/app, internal/domain: service logic, models and the error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/app"
	"github.com/pixgate/transaction-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// HandlerDeps groups the services the handlers call.
type HandlerDeps struct {
	Service  *app.Service
	Limits   *app.LimitService
	Webhooks *app.Dispatcher
	Sweeper  *app.Sweeper
}

// TransactionHandlers holds the application services that handlers will use.
type TransactionHandlers struct {
	service  *app.Service
	limits   *app.LimitService
	webhooks *app.Dispatcher
	sweeper  *app.Sweeper
	validate *validator.Validate
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(deps HandlerDeps) *TransactionHandlers {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &TransactionHandlers{
		service:  deps.Service,
		limits:   deps.Limits,
		webhooks: deps.Webhooks,
		sweeper:  deps.Sweeper,
		validate: v,
	}
}

type createTransactionRequest struct {
	Type           string                `json:"type" validate:"required"`
	Amount         int64                 `json:"amount" validate:"required,gt=0"`
	DestinationKey string                `json:"destination_key" validate:"omitempty,max=140"`
	Description    string                `json:"description" validate:"omitempty,max=140"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	Webhook        *domain.WebhookConfig `json:"webhook,omitempty"`
}

type transactionListResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// CreateTransactionHandler handles requests to create a deposit, withdrawal or transfer.
func (h *TransactionHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createTransactionRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	txType, valid := domain.ParseTransactionType(req.Type)
	if !valid {
		writeServiceError(w, domain.NewValidationError("type", "must be DEPOSIT, WITHDRAW or TRANSFER"))
		return
	}

	tx, err := h.service.CreateTransaction(r.Context(), userID, domain.CreateTransactionInput{
		Type:           txType,
		Amount:         req.Amount,
		DestinationKey: req.DestinationKey,
		Description:    req.Description,
		Metadata:       req.Metadata,
		Webhook:        req.Webhook,
	})
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_transaction outcome=reject user_id=%s type=%s err=%v", userID, txType, err)
		writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_transaction outcome=accepted user_id=%s tx_id=%s status=%s", userID, tx.ID, tx.Status)
	writeJSON(w, http.StatusCreated, tx)
}

// ListTransactionsHandler returns the caller's transactions, newest first.
func (h *TransactionHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	writeJSON(w, http.StatusOK, transactionListResponse{Transactions: txs, Limit: limit, Offset: offset})
}

// GetTransactionHandler handles requests to fetch an individual transaction by UUID.
func (h *TransactionHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	txID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, txID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ReconcileTransactionHandler polls the processor and applies any newer status.
func (h *TransactionHandlers) ReconcileTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	txID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.service.Reconcile(r.Context(), userID, txID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *TransactionHandlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	txID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.service.CancelTransaction(r.Context(), userID, txID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetLimitsHandler reports the caller's effective limits and current usage.
func (h *TransactionHandlers) GetLimitsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	report, err := h.limits.Usage(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *TransactionHandlers) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

// bindJSON decodes the body into dst and runs struct validation. On failure the
// response has already been written.
func (h *TransactionHandlers) bindJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]domain.FieldError, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, domain.FieldError{Field: fe.Field(), Message: describeValidationTag(fe)})
			}
			writeServiceError(w, &domain.ValidationError{Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func describeValidationTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a UUID"
	}
	return "is invalid"
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is required", name))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s format", name))
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

type errorResponse struct {
	Error       string              `json:"error"`
	Code        string              `json:"code,omitempty"`
	Fields      []domain.FieldError `json:"fields,omitempty"`
	Limit       any                 `json:"limit,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// writeServiceError maps the domain error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		limitErr      *domain.LimitExceededError
		rateErr       *app.RateLimitedError
		processorErr  *app.ProcessorFailure
	)
	switch {
	case errors.As(err, &processorErr):
		status := http.StatusBadGateway
		if errors.Is(processorErr.Err, domain.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: processorErr.Error(), Code: "PROCESSOR_ERROR", Transaction: processorErr.Transaction})
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Code: "VALIDATION_ERROR", Fields: validationErr.Fields})
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: limitErr.Result.Reason, Code: string(limitErr.Result.Code), Limit: limitErr.Result})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: rateErr.Error(), Code: "RATE_LIMITED"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Code: "FORBIDDEN"})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "INVALID_TRANSITION"})
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "payment processor unavailable", Code: "UPSTREAM_UNAVAILABLE"})
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: "INTERNAL"})
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
