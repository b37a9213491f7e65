package billing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/gymdesk-system/internal/model"
)

// ErrNonPositiveAmount возвращается при попытке провести платёж с нулевой или отрицательной суммой.
var (
	ErrNonPositiveAmount = errors.New("payment amount must be positive")
	// ErrExceedsPending возвращается, если сумма платежа превышает остаток задолженности.
	ErrExceedsPending = errors.New("payment amount exceeds pending amount")
)

// PaymentResult содержит новый остаток задолженности и выведенное состояние оплаты.
type PaymentResult struct {
	PendingAfter decimal.Decimal
	State        model.PaymentState
}

// ApplyPayment проводит платёж против остатка задолженности и выводит новое
// состояние оплаты. Контракт одинаков для первой транзакции по счёту и для
// последующих платежей, уменьшающих существующий остаток.
func ApplyPayment(pendingBefore, paidToDate, payment decimal.Decimal) (PaymentResult, error) {
	if !payment.IsPositive() {
		return PaymentResult{}, ErrNonPositiveAmount
	}
	if payment.GreaterThan(pendingBefore) {
		return PaymentResult{}, ErrExceedsPending
	}

	after := pendingBefore.Sub(payment)
	if after.IsNegative() {
		after = decimal.Zero
	}

	state := model.PaymentStatePaid
	if after.IsPositive() {
		if paidToDate.Add(payment).IsPositive() {
			state = model.PaymentStatePartiallyPaid
		} else {
			state = model.PaymentStatePending
		}
	}

	return PaymentResult{PendingAfter: after.Round(2), State: state}, nil
}
