// Package billing содержит расчёт стоимости абонементов и проводку платежей.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/gymdesk-system/internal/model"
)

// PackInfo описывает тарифный план абонемента из каталога.
type PackInfo struct {
	DurationMonths int
	BaseAmount     decimal.Decimal
}

// Каталог тарифных планов фиксирован; неизвестный план трактуется как (0, 0).
var packCatalog = map[string]PackInfo{
	"Monthly":       {DurationMonths: 1, BaseAmount: decimal.NewFromInt(3500)},
	"2 Months":      {DurationMonths: 2, BaseAmount: decimal.NewFromInt(5000)},
	"Quaterly":      {DurationMonths: 3, BaseAmount: decimal.NewFromInt(7500)},
	"4 Months":      {DurationMonths: 4, BaseAmount: decimal.NewFromInt(7800)},
	"Half-yearly":   {DurationMonths: 6, BaseAmount: decimal.NewFromInt(12000)},
	"6 + 1 Month":   {DurationMonths: 7, BaseAmount: decimal.NewFromInt(9000)},
	"Annual":        {DurationMonths: 12, BaseAmount: decimal.NewFromInt(18000)},
	"12 + 2 Months": {DurationMonths: 14, BaseAmount: decimal.NewFromInt(18000)},
}

// LookupPack возвращает параметры тарифного плана по его названию.
func LookupPack(pack string) PackInfo {
	if info, ok := packCatalog[pack]; ok {
		return info
	}
	return PackInfo{}
}

// InvoiceInput содержит входные данные расчёта счёта за абонемент.
type InvoiceInput struct {
	Pack            string
	Discount        decimal.Decimal
	TaxRatePercent  decimal.Decimal
	RegistrationFee decimal.Decimal
	// BillingNow — сумма, которую участник вносит при выставлении счёта.
	BillingNow decimal.Decimal
	// PendingOverride задаётся, когда пользователь вручную отредактировал
	// поле задолженности; пока он задан, автоматический пересчёт подавлен.
	PendingOverride *decimal.Decimal
}

// Invoice содержит итоги расчёта счёта за абонемент.
type Invoice struct {
	DurationMonths int
	PackAmount     decimal.Decimal
	TotalAmount    decimal.Decimal
	PendingAmount  decimal.Decimal
}

var oneHundred = decimal.NewFromInt(100)

// ComputeInvoice вычисляет итоговую сумму счёта и задолженность.
// Порядок шагов фиксирован: каталог, скидка, налог на сумму после скидки,
// регистрационный взнос; округление до двух знаков только у итоговых сумм.
func ComputeInvoice(in InvoiceInput) Invoice {
	info := LookupPack(in.Pack)

	total := info.BaseAmount

	if in.Discount.IsPositive() {
		total = total.Sub(in.Discount)
		if total.IsNegative() {
			total = decimal.Zero
		}
	}

	if in.TaxRatePercent.IsPositive() {
		total = total.Add(total.Mul(in.TaxRatePercent).Div(oneHundred))
	}

	if in.RegistrationFee.IsPositive() {
		total = total.Add(in.RegistrationFee)
	}

	total = total.Round(2)

	var pending decimal.Decimal
	if in.PendingOverride != nil {
		pending = *in.PendingOverride
	} else {
		pending = total.Sub(in.BillingNow)
		if pending.IsNegative() {
			pending = decimal.Zero
		}
	}

	return Invoice{
		DurationMonths: info.DurationMonths,
		PackAmount:     info.BaseAmount,
		TotalAmount:    total,
		PendingAmount:  pending.Round(2),
	}
}

// InitialState выводит состояние оплаты для только что выставленного счёта.
func InitialState(pending, paidNow decimal.Decimal) model.PaymentState {
	if pending.IsPositive() {
		if paidNow.IsPositive() {
			return model.PaymentStatePartiallyPaid
		}
		return model.PaymentStatePending
	}
	return model.PaymentStatePaid
}
