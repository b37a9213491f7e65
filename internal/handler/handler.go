// Package handler содержит HTTP-обработчики API сервиса gymdesk.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/gymdesk-system/internal/billing"
	"github.com/mmeshcher/gymdesk-system/internal/middleware"
	"github.com/mmeshcher/gymdesk-system/internal/model"
	"github.com/mmeshcher/gymdesk-system/internal/repository"
	"github.com/mmeshcher/gymdesk-system/internal/service"
)

const dateLayout = "2006-01-02"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterStaff(ctx context.Context, login, password string) (int64, error)
	AuthenticateStaff(ctx context.Context, login, password string) (int64, error)
	PreviewInvoice(in billing.InvoiceInput) billing.Invoice
	EnrollMember(ctx context.Context, in service.EnrollInput) (*model.Receipt, error)
	PayOutstanding(ctx context.Context, entryID int64, in service.PaymentInput) (*model.Receipt, error)
	PayTransaction(ctx context.Context, txID int64, in service.PaymentInput) (*model.Receipt, error)
	GetMember(ctx context.Context, memberID string) (*model.Member, error)
	ListPending(ctx context.Context) ([]model.FeePendingEntry, decimal.Decimal, error)
	DeletePending(ctx context.Context, id int64) error
	GetMemberTransactions(ctx context.Context, memberID string) ([]model.Transaction, error)
	NextMemberID(ctx context.Context) (string, error)
	DashboardMetrics(ctx context.Context) (*model.MetricsCounter, error)
}

// Handler реализует HTTP-обработчики API сервиса gymdesk.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// RegisterStaff обрабатывает регистрацию новой учётной записи сотрудника.
func (h *Handler) RegisterStaff(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	staffID, err := h.service.RegisterStaff(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrStaffExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register staff error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, staffID)
	w.WriteHeader(http.StatusOK)
}

// LoginStaff выполняет аутентификацию сотрудника и установку cookie.
func (h *Handler) LoginStaff(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	staffID, err := h.service.AuthenticateStaff(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrStaffNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login staff error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, staffID)
	w.WriteHeader(http.StatusOK)
}

type invoicePreviewRequest struct {
	Pack            string           `json:"pack"`
	Discount        decimal.Decimal  `json:"discount"`
	TaxRatePercent  decimal.Decimal  `json:"tax_rate_percent"`
	RegistrationFee decimal.Decimal  `json:"registration_fee"`
	BillingNow      decimal.Decimal  `json:"billing_now"`
	PendingOverride *decimal.Decimal `json:"pending_override,omitempty"`
}

type invoiceResponse struct {
	DurationMonths int             `json:"duration_months"`
	PackAmount     decimal.Decimal `json:"pack_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PendingAmount  decimal.Decimal `json:"pending_amount"`
}

// PreviewInvoice возвращает расчёт счёта за абонемент без записи в хранилище.
func (h *Handler) PreviewInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoicePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv := h.service.PreviewInvoice(billing.InvoiceInput{
		Pack:            req.Pack,
		Discount:        req.Discount,
		TaxRatePercent:  req.TaxRatePercent,
		RegistrationFee: req.RegistrationFee,
		BillingNow:      req.BillingNow,
		PendingOverride: req.PendingOverride,
	})

	writeJSON(w, h.logger, invoiceResponse{
		DurationMonths: inv.DurationMonths,
		PackAmount:     inv.PackAmount,
		TotalAmount:    inv.TotalAmount,
		PendingAmount:  inv.PendingAmount,
	})
}

type enrollRequest struct {
	MemberID       string `json:"member_id"`
	Name           string `json:"member_name"`
	Phone          string `json:"member_phone"`
	Email          string `json:"member_email"`
	Pack           string `json:"member_pack"`
	PaymentMode    string `json:"payment_mode"`
	JoiningDate    string `json:"joining_date"`
	BillDate       string `json:"bill_date"`
	Gender         string `json:"gender"`
	Address        string `json:"address"`
	ReferredBy     string `json:"referred_by"`
	Trainer        string `json:"trainer"`
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
	DateOfBirth    string `json:"dob"`

	Discount        decimal.Decimal  `json:"discount"`
	TaxRatePercent  decimal.Decimal  `json:"tax_rate_percent"`
	RegistrationFee decimal.Decimal  `json:"registration_fee"`
	BillingNow      decimal.Decimal  `json:"billing_now"`
	PendingOverride *decimal.Decimal `json:"pending_override,omitempty"`
	RenewalDate     string           `json:"renewal_date"`
}

type receiptResponse struct {
	TransactionID   int64           `json:"transaction_id"`
	MemberID        string          `json:"member_id"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	PendingAfter    decimal.Decimal `json:"pending_after"`
	State           string          `json:"state"`
	MetricsRecorded bool            `json:"metrics_recorded"`
}

// EnrollMember регистрирует участника вместе с открывающим счётом.
func (h *Handler) EnrollMember(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	joiningDate, err := time.Parse(dateLayout, req.JoiningDate)
	if err != nil {
		http.Error(w, "invalid joining_date", http.StatusBadRequest)
		return
	}

	billDate, err := time.Parse(dateLayout, req.BillDate)
	if err != nil {
		http.Error(w, "invalid bill_date", http.StatusBadRequest)
		return
	}

	renewalDate, err := parseOptionalDate(req.RenewalDate)
	if err != nil {
		http.Error(w, "invalid renewal_date", http.StatusBadRequest)
		return
	}

	dob, err := parseOptionalDate(req.DateOfBirth)
	if err != nil {
		http.Error(w, "invalid dob", http.StatusBadRequest)
		return
	}

	receipt, err := h.service.EnrollMember(r.Context(), service.EnrollInput{
		MemberID:        req.MemberID,
		Name:            req.Name,
		Phone:           req.Phone,
		Email:           req.Email,
		Pack:            req.Pack,
		PaymentMode:     req.PaymentMode,
		JoiningDate:     joiningDate,
		BillDate:        billDate,
		Gender:          req.Gender,
		Address:         req.Address,
		ReferredBy:      req.ReferredBy,
		Trainer:         req.Trainer,
		DocumentType:    req.DocumentType,
		DocumentNumber:  req.DocumentNumber,
		DateOfBirth:     dob,
		Discount:        req.Discount,
		TaxRatePercent:  req.TaxRatePercent,
		RegistrationFee: req.RegistrationFee,
		BillingNow:      req.BillingNow,
		PendingOverride: req.PendingOverride,
		RenewalDate:     renewalDate,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMemberID), errors.Is(err, service.ErrInvalidPhone):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrMemberNameRequired), errors.Is(err, service.ErrPaymentModeRequired),
			errors.Is(err, service.ErrNegativeAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrMemberExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("enroll member error", zap.Error(err), zap.String("memberID", req.MemberID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, toReceiptResponse(receipt))
}

// NextMemberID возвращает следующий свободный идентификатор участника.
func (h *Handler) NextMemberID(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.NextMemberID(r.Context())
	if err != nil {
		h.logger.Error("next member id error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, map[string]string{"member_id": id})
}

type memberResponse struct {
	MemberID    string `json:"member_id"`
	Name        string `json:"member_name"`
	Phone       string `json:"member_phone,omitempty"`
	Email       string `json:"member_email,omitempty"`
	Pack        string `json:"member_pack"`
	PaymentMode string `json:"payment_mode"`
	JoiningDate string `json:"joining_date"`
	BillDate    string `json:"bill_date"`
}

// GetMember возвращает профиль участника.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")

	m, err := h.service.GetMember(r.Context(), memberID)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get member error", zap.Error(err), zap.String("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, memberResponse{
		MemberID:    m.ID,
		Name:        m.Name,
		Phone:       m.Phone,
		Email:       m.Email,
		Pack:        m.Pack,
		PaymentMode: m.PaymentMode,
		JoiningDate: m.JoiningDate.Format(dateLayout),
		BillDate:    m.BillDate.Format(dateLayout),
	})
}

type paymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PaymentMode string          `json:"payment_mode"`
	BillDate    string          `json:"bill_date"`
}

func (h *Handler) parsePayment(w http.ResponseWriter, r *http.Request) (service.PaymentInput, bool) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return service.PaymentInput{}, false
	}

	billDate := time.Now()
	if req.BillDate != "" {
		parsed, err := time.Parse(dateLayout, req.BillDate)
		if err != nil {
			http.Error(w, "invalid bill_date", http.StatusBadRequest)
			return service.PaymentInput{}, false
		}
		billDate = parsed
	}

	return service.PaymentInput{
		Amount:      req.Amount,
		PaymentMode: req.PaymentMode,
		BillDate:    billDate,
	}, true
}

func (h *Handler) writePaymentError(w http.ResponseWriter, err error, id int64) {
	switch {
	case errors.Is(err, service.ErrPaymentModeRequired), errors.Is(err, billing.ErrNonPositiveAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, billing.ErrExceedsPending):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrPendingEntryNotFound), errors.Is(err, repository.ErrTransactionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("process payment error", zap.Error(err), zap.Int64("id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// PayOutstanding проводит платёж против записи задолженности.
func (h *Handler) PayOutstanding(w http.ResponseWriter, r *http.Request) {
	entryID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in, ok := h.parsePayment(w, r)
	if !ok {
		return
	}

	receipt, err := h.service.PayOutstanding(r.Context(), entryID, in)
	if err != nil {
		h.writePaymentError(w, err, entryID)
		return
	}

	writeJSON(w, h.logger, toReceiptResponse(receipt))
}

// PayTransaction проводит платёж по существующей транзакции.
func (h *Handler) PayTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in, ok := h.parsePayment(w, r)
	if !ok {
		return
	}

	receipt, err := h.service.PayTransaction(r.Context(), txID, in)
	if err != nil {
		h.writePaymentError(w, err, txID)
		return
	}

	writeJSON(w, h.logger, toReceiptResponse(receipt))
}

type feePendingResponse struct {
	ID            int64           `json:"sno"`
	MemberID      string          `json:"member_id"`
	MemberName    string          `json:"member_name"`
	MemberPhone   string          `json:"member_phone"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
	DueDate       string          `json:"pending_exp_date,omitempty"`
}

type pendingListResponse struct {
	Entries      []feePendingResponse `json:"entries"`
	TotalPending decimal.Decimal      `json:"total_pending"`
}

// ListPending возвращает записи с положительным остатком задолженности и их сумму.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.service.ListPending(r.Context())
	if err != nil {
		h.logger.Error("list pending error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := pendingListResponse{
		Entries:      make([]feePendingResponse, 0, len(entries)),
		TotalPending: total,
	}
	for _, e := range entries {
		item := feePendingResponse{
			ID:            e.ID,
			MemberID:      e.MemberID,
			MemberName:    e.MemberName,
			MemberPhone:   e.MemberPhone,
			PendingAmount: e.PendingAmount,
		}
		if e.DueDate != nil {
			item.DueDate = e.DueDate.Format(dateLayout)
		}
		resp.Entries = append(resp.Entries, item)
	}

	writeJSON(w, h.logger, resp)
}

// DeletePending удаляет запись задолженности.
func (h *Handler) DeletePending(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeletePending(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrPendingEntryNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete pending error", zap.Error(err), zap.Int64("id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type transactionResponse struct {
	ID          int64           `json:"sno"`
	MemberID    string          `json:"member_id"`
	MemberName  string          `json:"member_name"`
	BillDate    string          `json:"bill_date"`
	PaymentMode string          `json:"payment_mode"`
	MemberPack  string          `json:"member_pack,omitempty"`
	Discount    decimal.Decimal `json:"discount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	Pending     decimal.Decimal `json:"pending"`
	MonthsPaid  int             `json:"months_paid,omitempty"`
	RenewalDate string          `json:"renewal_date,omitempty"`
	State       string          `json:"state"`
}

// GetMemberTransactions возвращает список транзакций участника.
func (h *Handler) GetMemberTransactions(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")

	transactions, err := h.service.GetMemberTransactions(r.Context(), memberID)
	if err != nil {
		h.logger.Error("get member transactions error", zap.Error(err), zap.String("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		item := transactionResponse{
			ID:          t.ID,
			MemberID:    t.MemberID,
			MemberName:  t.MemberName,
			BillDate:    t.BillDate.Format(dateLayout),
			PaymentMode: t.PaymentMode,
			MemberPack:  t.MemberPack,
			Discount:    t.Discount,
			TotalAmount: t.TotalAmount,
			TotalPaid:   t.TotalPaid,
			Pending:     t.Pending,
			MonthsPaid:  t.MonthsPaid,
			State:       string(t.State),
		}
		if t.RenewalDate != nil {
			item.RenewalDate = t.RenewalDate.Format(dateLayout)
		}
		resp = append(resp, item)
	}

	writeJSON(w, h.logger, resp)
}

type metricsResponse struct {
	CollectedMonth    decimal.Decimal `json:"collected_month"`
	CollectedToday    decimal.Decimal `json:"collected_today"`
	TransactionsToday int64           `json:"transactions_today"`
	LastUpdated       string          `json:"last_updated"`
}

// GetMetrics возвращает счётчик показателей для карточек панели управления.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	counter, err := h.service.DashboardMetrics(r.Context())
	if err != nil {
		h.logger.Error("get metrics error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, metricsResponse{
		CollectedMonth:    counter.CollectedMonth,
		CollectedToday:    counter.CollectedToday,
		TransactionsToday: counter.TransactionsToday,
		LastUpdated:       counter.LastUpdated.Format(time.RFC3339),
	})
}

func toReceiptResponse(receipt *model.Receipt) receiptResponse {
	return receiptResponse{
		TransactionID:   receipt.TransactionID,
		MemberID:        receipt.MemberID,
		AmountPaid:      receipt.AmountPaid,
		PendingAfter:    receipt.PendingAfter,
		State:           string(receipt.State),
		MetricsRecorded: receipt.MetricsRecorded,
	}
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
