package billing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/gymdesk-system/internal/model"
)

func TestApplyPayment_FullPayment(t *testing.T) {
	res, err := ApplyPayment(d("1830"), decimal.Zero, d("1830"))
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}

	if !res.PendingAfter.Equal(decimal.Zero) {
		t.Fatalf("PendingAfter = %s, want 0", res.PendingAfter)
	}
	if res.State != model.PaymentStatePaid {
		t.Fatalf("State = %q, want %q", res.State, model.PaymentStatePaid)
	}
}

func TestApplyPayment_PartialPayment(t *testing.T) {
	res, err := ApplyPayment(d("1830"), decimal.Zero, d("500"))
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}

	if res.PendingAfter.String() != "1330" {
		t.Fatalf("PendingAfter = %s, want 1330", res.PendingAfter)
	}
	if res.State != model.PaymentStatePartiallyPaid {
		t.Fatalf("State = %q, want %q", res.State, model.PaymentStatePartiallyPaid)
	}
}

func TestApplyPayment_ExceedsPending(t *testing.T) {
	_, err := ApplyPayment(d("1830"), decimal.Zero, d("2000"))
	if !errors.Is(err, ErrExceedsPending) {
		t.Fatalf("err = %v, want ErrExceedsPending", err)
	}
}

func TestApplyPayment_NonPositiveAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{name: "zero", amount: "0"},
		{name: "negative", amount: "-10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyPayment(d("1830"), decimal.Zero, d(tt.amount))
			if !errors.Is(err, ErrNonPositiveAmount) {
				t.Fatalf("err = %v, want ErrNonPositiveAmount", err)
			}
		})
	}
}

func TestApplyPayment_SubsequentPaymentSameContract(t *testing.T) {
	// Второй платёж по уже частично оплаченному счёту
	res, err := ApplyPayment(d("1330"), d("500"), d("1330"))
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}

	if !res.PendingAfter.Equal(decimal.Zero) {
		t.Fatalf("PendingAfter = %s, want 0", res.PendingAfter)
	}
	if res.State != model.PaymentStatePaid {
		t.Fatalf("State = %q, want %q", res.State, model.PaymentStatePaid)
	}
}
