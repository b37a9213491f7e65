// Package service реализует бизнес-логику сервиса gymdesk.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/gymdesk-system/internal/billing"
	"github.com/mmeshcher/gymdesk-system/internal/model"
	"github.com/mmeshcher/gymdesk-system/internal/repository"
	"github.com/mmeshcher/gymdesk-system/internal/validation"
)

// ErrPaymentModeRequired возвращается, если способ оплаты не указан.
var (
	ErrPaymentModeRequired = errors.New("payment mode is required")
	// ErrInvalidMemberID возвращается при некорректном идентификаторе участника.
	ErrInvalidMemberID = errors.New("invalid member id")
	// ErrMemberNameRequired возвращается, если имя участника не задано.
	ErrMemberNameRequired = errors.New("member name is required")
	// ErrInvalidPhone возвращается при некорректном номере телефона.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrNegativeAmount возвращается, если скидка, налог, взнос или вносимая
	// сумма отрицательны.
	ErrNegativeAmount = errors.New("billing amounts must not be negative")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateStaff(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetStaffByLogin(ctx context.Context, login string) (*model.Staff, error)
	CreateMember(ctx context.Context, m model.Member) error
	GetMember(ctx context.Context, memberID string) (*model.Member, error)
	NextMemberID(ctx context.Context) (string, error)
	InsertTransaction(ctx context.Context, t model.Transaction) (int64, error)
	GetTransaction(ctx context.Context, id int64) (*model.Transaction, error)
	GetTransactionsByMember(ctx context.Context, memberID string) ([]model.Transaction, error)
	UpdateTransactionPayment(ctx context.Context, id int64, billDate time.Time, paymentMode string, pending, totalPaid decimal.Decimal, state model.PaymentState) error
	InsertFeePending(ctx context.Context, e model.FeePendingEntry) (int64, error)
	GetFeePending(ctx context.Context, id int64) (*model.FeePendingEntry, error)
	GetFeePendingByMember(ctx context.Context, memberID string) (*model.FeePendingEntry, error)
	ListFeePending(ctx context.Context) ([]model.FeePendingEntry, error)
	UpdateFeePendingAmount(ctx context.Context, id int64, amount decimal.Decimal) error
	DeleteFeePending(ctx context.Context, id int64) error
}

// MetricsRecorder описывает контракт агрегатора показателей, используемый сервисом.
type MetricsRecorder interface {
	Record(ctx context.Context, amount decimal.Decimal, now time.Time) (*model.MetricsCounter, error)
	Snapshot(ctx context.Context, now time.Time) (*model.MetricsCounter, error)
}

// Service содержит бизнес-логику сервиса gymdesk.
type Service struct {
	repo    Repository
	metrics MetricsRecorder
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и агрегатором показателей.
func NewService(repo Repository, metrics MetricsRecorder, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterStaff регистрирует новую учётную запись сотрудника.
func (s *Service) RegisterStaff(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateStaff(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateStaff проверяет логин и пароль сотрудника и возвращает его идентификатор.
func (s *Service) AuthenticateStaff(ctx context.Context, login, password string) (int64, error) {
	st, err := s.repo.GetStaffByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(st.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return st.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// EnrollInput содержит данные формы регистрации участника вместе с параметрами счёта.
type EnrollInput struct {
	MemberID       string
	Name           string
	Phone          string
	Email          string
	Pack           string
	PaymentMode    string
	JoiningDate    time.Time
	BillDate       time.Time
	Gender         string
	Address        string
	ReferredBy     string
	Trainer        string
	DocumentType   string
	DocumentNumber string
	DateOfBirth    *time.Time

	Discount        decimal.Decimal
	TaxRatePercent  decimal.Decimal
	RegistrationFee decimal.Decimal
	BillingNow      decimal.Decimal
	PendingOverride *decimal.Decimal
	RenewalDate     *time.Time
}

// PreviewInvoice вычисляет итоги счёта без каких-либо записей в хранилище.
func (s *Service) PreviewInvoice(in billing.InvoiceInput) billing.Invoice {
	return billing.ComputeInvoice(in)
}

// EnrollMember регистрирует участника, создаёт открывающую транзакцию,
// запись задолженности при наличии остатка и обновляет счётчик показателей.
// Атомарности между записями нет: уже выполненные шаги не откатываются.
func (s *Service) EnrollMember(ctx context.Context, in EnrollInput) (*model.Receipt, error) {
	if !validation.IsValidMemberID(in.MemberID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemberID, in.MemberID)
	}
	if in.Name == "" {
		return nil, ErrMemberNameRequired
	}
	if in.PaymentMode == "" {
		return nil, ErrPaymentModeRequired
	}
	if in.Phone != "" && !validation.IsValidPhone(in.Phone) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhone, in.Phone)
	}
	if in.BillingNow.IsNegative() || in.Discount.IsNegative() ||
		in.TaxRatePercent.IsNegative() || in.RegistrationFee.IsNegative() {
		return nil, ErrNegativeAmount
	}

	inv := billing.ComputeInvoice(billing.InvoiceInput{
		Pack:            in.Pack,
		Discount:        in.Discount,
		TaxRatePercent:  in.TaxRatePercent,
		RegistrationFee: in.RegistrationFee,
		BillingNow:      in.BillingNow,
		PendingOverride: in.PendingOverride,
	})

	paidNow := inv.TotalAmount.Sub(inv.PendingAmount)

	member := model.Member{
		ID:             in.MemberID,
		Name:           in.Name,
		Phone:          in.Phone,
		Email:          in.Email,
		Pack:           in.Pack,
		PaymentMode:    in.PaymentMode,
		JoiningDate:    in.JoiningDate,
		BillDate:       in.BillDate,
		Gender:         in.Gender,
		Address:        in.Address,
		ReferredBy:     in.ReferredBy,
		Trainer:        in.Trainer,
		DocumentType:   in.DocumentType,
		DocumentNumber: in.DocumentNumber,
		DateOfBirth:    in.DateOfBirth,
	}
	if err := s.repo.CreateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("create member: %w", err)
	}

	startDate := in.JoiningDate
	txID, err := s.repo.InsertTransaction(ctx, model.Transaction{
		MemberID:    in.MemberID,
		MemberName:  in.Name,
		BillDate:    in.BillDate,
		StartDate:   &startDate,
		PaymentMode: in.PaymentMode,
		MemberPack:  in.Pack,
		Discount:    in.Discount,
		TotalAmount: inv.TotalAmount,
		TotalPaid:   paidNow,
		Pending:     inv.PendingAmount,
		MonthsPaid:  inv.DurationMonths,
		RenewalDate: in.RenewalDate,
		State:       billing.InitialState(inv.PendingAmount, paidNow),
	})
	if err != nil {
		return nil, fmt.Errorf("insert opening transaction (member already created): %w", err)
	}

	if inv.PendingAmount.IsPositive() {
		_, err := s.repo.InsertFeePending(ctx, model.FeePendingEntry{
			MemberID:      in.MemberID,
			MemberName:    in.Name,
			MemberPhone:   in.Phone,
			PendingAmount: inv.PendingAmount,
			DueDate:       in.RenewalDate,
		})
		if err != nil {
			return nil, fmt.Errorf("insert fee pending (ledger already updated): %w", err)
		}
	}

	receipt := &model.Receipt{
		TransactionID:   txID,
		MemberID:        in.MemberID,
		AmountPaid:      paidNow,
		PendingAfter:    inv.PendingAmount,
		State:           billing.InitialState(inv.PendingAmount, paidNow),
		MetricsRecorded: true,
	}

	s.recordMetrics(ctx, receipt, paidNow)

	return receipt, nil
}

// PaymentInput содержит данные одного платёжного события.
type PaymentInput struct {
	Amount      decimal.Decimal
	PaymentMode string
	BillDate    time.Time
}

// PayOutstanding проводит платёж против записи задолженности: уменьшает остаток,
// добавляет транзакцию в журнал и обновляет счётчик показателей.
// Атомарности между записями нет: уже выполненные шаги не откатываются.
func (s *Service) PayOutstanding(ctx context.Context, entryID int64, in PaymentInput) (*model.Receipt, error) {
	if in.PaymentMode == "" {
		return nil, ErrPaymentModeRequired
	}

	entry, err := s.repo.GetFeePending(ctx, entryID)
	if err != nil {
		return nil, err
	}

	res, err := billing.ApplyPayment(entry.PendingAmount, decimal.Zero, in.Amount)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateFeePendingAmount(ctx, entry.ID, res.PendingAfter); err != nil {
		return nil, fmt.Errorf("update pending balance: %w", err)
	}

	txID, err := s.repo.InsertTransaction(ctx, model.Transaction{
		MemberID:    entry.MemberID,
		MemberName:  entry.MemberName,
		BillDate:    in.BillDate,
		PaymentMode: in.PaymentMode,
		TotalAmount: in.Amount,
		TotalPaid:   in.Amount,
		Pending:     res.PendingAfter,
		State:       res.State,
	})
	if err != nil {
		return nil, fmt.Errorf("insert ledger transaction (balance already updated): %w", err)
	}

	receipt := &model.Receipt{
		TransactionID:   txID,
		MemberID:        entry.MemberID,
		AmountPaid:      in.Amount,
		PendingAfter:    res.PendingAfter,
		State:           res.State,
		MetricsRecorded: true,
	}

	s.recordMetrics(ctx, receipt, in.Amount)

	return receipt, nil
}

// PayTransaction проводит платёж по существующей транзакции: уменьшает её остаток,
// наращивает накопленную сумму, синхронизирует запись задолженности участника
// и обновляет счётчик показателей.
func (s *Service) PayTransaction(ctx context.Context, txID int64, in PaymentInput) (*model.Receipt, error) {
	if in.PaymentMode == "" {
		return nil, ErrPaymentModeRequired
	}

	t, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	res, err := billing.ApplyPayment(t.Pending, t.TotalPaid, in.Amount)
	if err != nil {
		return nil, err
	}

	newTotalPaid := t.TotalPaid.Add(in.Amount)

	if err := s.repo.UpdateTransactionPayment(ctx, t.ID, in.BillDate, in.PaymentMode, res.PendingAfter, newTotalPaid, res.State); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	s.syncFeePending(ctx, t.MemberID, in.Amount)

	receipt := &model.Receipt{
		TransactionID:   t.ID,
		MemberID:        t.MemberID,
		AmountPaid:      in.Amount,
		PendingAfter:    res.PendingAfter,
		State:           res.State,
		MetricsRecorded: true,
	}

	s.recordMetrics(ctx, receipt, in.Amount)

	return receipt, nil
}

// syncFeePending уменьшает остаток в записи задолженности участника после
// платежа по транзакции. Отсутствие записи не является ошибкой.
func (s *Service) syncFeePending(ctx context.Context, memberID string, amount decimal.Decimal) {
	entry, err := s.repo.GetFeePendingByMember(ctx, memberID)
	if err != nil {
		if !errors.Is(err, repository.ErrPendingEntryNotFound) {
			s.logger.Warn("fee pending lookup failed after transaction payment",
				zap.String("memberID", memberID), zap.Error(err))
		}
		return
	}

	reduced := entry.PendingAmount.Sub(amount)
	if reduced.IsNegative() {
		reduced = decimal.Zero
	}

	if err := s.repo.UpdateFeePendingAmount(ctx, entry.ID, reduced); err != nil {
		s.logger.Warn("fee pending update failed after transaction payment",
			zap.String("memberID", memberID), zap.Error(err))
	}
}

// recordMetrics обновляет счётчик показателей после успешной записи в журнал.
// Сбой счётчика не отменяет платёж: журнал остаётся источником истины,
// частичный сбой логируется и отражается в квитанции.
func (s *Service) recordMetrics(ctx context.Context, receipt *model.Receipt, amount decimal.Decimal) {
	if _, err := s.metrics.Record(ctx, amount, s.now()); err != nil {
		receipt.MetricsRecorded = false
		s.logger.Error("metrics update failed after successful ledger write",
			zap.String("memberID", receipt.MemberID),
			zap.Int64("transactionID", receipt.TransactionID),
			zap.Error(err))
	}
}

// ListPending возвращает записи с положительным остатком и их общую сумму.
func (s *Service) ListPending(ctx context.Context) ([]model.FeePendingEntry, decimal.Decimal, error) {
	entries, err := s.repo.ListFeePending(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.PendingAmount)
	}

	return entries, total, nil
}

// DeletePending удаляет запись задолженности. Административная операция.
func (s *Service) DeletePending(ctx context.Context, id int64) error {
	return s.repo.DeleteFeePending(ctx, id)
}

// GetMember возвращает профиль участника.
func (s *Service) GetMember(ctx context.Context, memberID string) (*model.Member, error) {
	return s.repo.GetMember(ctx, memberID)
}

// GetMemberTransactions возвращает список транзакций участника.
func (s *Service) GetMemberTransactions(ctx context.Context, memberID string) ([]model.Transaction, error) {
	return s.repo.GetTransactionsByMember(ctx, memberID)
}

// NextMemberID возвращает следующий свободный идентификатор участника.
func (s *Service) NextMemberID(ctx context.Context) (string, error) {
	return s.repo.NextMemberID(ctx)
}

// DashboardMetrics возвращает счётчик показателей для карточек панели управления.
func (s *Service) DashboardMetrics(ctx context.Context) (*model.MetricsCounter, error) {
	return s.metrics.Snapshot(ctx, s.now())
}
