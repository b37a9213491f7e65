// Package model содержит доменные сущности сервиса gymdesk.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Staff представляет сотрудника клуба с доступом к панели управления.
type Staff struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// PaymentState описывает состояние оплаты по транзакции.
type PaymentState string

const (
	PaymentStatePending       PaymentState = "Pending"
	PaymentStatePartiallyPaid PaymentState = "Partially Paid"
	PaymentStatePaid          PaymentState = "Paid"
)

// Member представляет участника клуба.
type Member struct {
	ID             string
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
	CreatedAt      time.Time
}

// Transaction описывает запись журнала платежей участника.
type Transaction struct {
	ID          int64
	MemberID    string
	MemberName  string
	BillDate    time.Time
	StartDate   *time.Time
	PaymentMode string
	MemberPack  string
	Discount    decimal.Decimal
	// TotalAmount — полная сумма счёта, выставленного участнику.
	TotalAmount decimal.Decimal
	// TotalPaid — накопленная сумма, полученная по этому счёту.
	TotalPaid decimal.Decimal
	// Pending — остаток задолженности по этому счёту.
	Pending     decimal.Decimal
	MonthsPaid  int
	RenewalDate *time.Time
	State       PaymentState
}

// FeePendingEntry представляет денормализованную запись задолженности участника.
type FeePendingEntry struct {
	ID            int64
	MemberID      string
	MemberName    string
	MemberPhone   string
	PendingAmount decimal.Decimal
	DueDate       *time.Time
}

// MetricsCounter — единственная на всю систему запись агрегированных показателей сборов.
type MetricsCounter struct {
	CollectedMonth    decimal.Decimal
	CollectedToday    decimal.Decimal
	TransactionsToday int64
	LastUpdated       time.Time
}

// Receipt описывает результат обработки одного платёжного события.
type Receipt struct {
	TransactionID int64
	MemberID      string
	AmountPaid    decimal.Decimal
	PendingAfter  decimal.Decimal
	State         PaymentState
	// MetricsRecorded равен false, если платёж проведён, но счётчик
	// показателей обновить не удалось: журнал не откатывается.
	MetricsRecorded bool
}
