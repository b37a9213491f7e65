package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/gymdesk-system/internal/model"
	"github.com/mmeshcher/gymdesk-system/internal/repository"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubRepo struct {
	counter *model.MetricsCounter

	// conflictsLeft моделирует конкурирующего писателя: пока счётчик
	// не исчерпан, каждое обновление меняет строку и возвращает конфликт.
	conflictsLeft   int
	concurrentWrite *model.MetricsCounter

	daySum   decimal.Decimal
	dayCount int64
	monthSum decimal.Decimal

	getCalls    int
	updateCalls int
	updates     []model.MetricsCounter
}

func (s *stubRepo) GetMetrics(ctx context.Context) (*model.MetricsCounter, error) {
	s.getCalls++
	if s.counter == nil {
		return nil, repository.ErrMetricsNotFound
	}
	c := *s.counter
	return &c, nil
}

func (s *stubRepo) InsertMetrics(ctx context.Context, counter model.MetricsCounter) error {
	if s.counter == nil {
		c := counter
		s.counter = &c
	}
	return nil
}

func (s *stubRepo) UpdateMetrics(ctx context.Context, counter model.MetricsCounter, expectedLastUpdated time.Time) error {
	s.updateCalls++
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		if s.concurrentWrite != nil {
			c := *s.concurrentWrite
			s.counter = &c
		}
		return repository.ErrMetricsConflict
	}
	if !s.counter.LastUpdated.Equal(expectedLastUpdated) {
		return repository.ErrMetricsConflict
	}
	c := counter
	s.counter = &c
	s.updates = append(s.updates, counter)
	return nil
}

func (s *stubRepo) SumPaymentsOn(ctx context.Context, day time.Time) (decimal.Decimal, int64, error) {
	return s.daySum, s.dayCount, nil
}

func (s *stubRepo) SumPaymentsInMonth(ctx context.Context, month time.Time) (decimal.Decimal, error) {
	return s.monthSum, nil
}

func TestRollover_SameDayNoReset(t *testing.T) {
	last := time.Date(2025, 8, 30, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 8, 30, 21, 0, 0, 0, time.UTC)

	c := Rollover(model.MetricsCounter{
		CollectedMonth:    d("9000"),
		CollectedToday:    d("500"),
		TransactionsToday: 3,
		LastUpdated:       last,
	}, now)

	if c.CollectedToday.String() != "500" || c.TransactionsToday != 3 || c.CollectedMonth.String() != "9000" {
		t.Fatalf("counter changed within the same day: %+v", c)
	}
}

func TestRollover_NewDayResetsDailyOnly(t *testing.T) {
	last := time.Date(2025, 8, 30, 22, 0, 0, 0, time.UTC)
	now := time.Date(2025, 8, 31, 8, 0, 0, 0, time.UTC)

	c := Rollover(model.MetricsCounter{
		CollectedMonth:    d("9000"),
		CollectedToday:    d("500"),
		TransactionsToday: 3,
		LastUpdated:       last,
	}, now)

	if !c.CollectedToday.Equal(decimal.Zero) {
		t.Fatalf("CollectedToday = %s, want 0", c.CollectedToday)
	}
	if c.TransactionsToday != 0 {
		t.Fatalf("TransactionsToday = %d, want 0", c.TransactionsToday)
	}
	if c.CollectedMonth.String() != "9000" {
		t.Fatalf("CollectedMonth = %s, want 9000 (day-only rollover)", c.CollectedMonth)
	}
}

func TestRollover_NewMonthResetsBoth(t *testing.T) {
	last := time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC)
	now := time.Date(2025, 9, 1, 0, 30, 0, 0, time.UTC)

	c := Rollover(model.MetricsCounter{
		CollectedMonth:    d("9000"),
		CollectedToday:    d("500"),
		TransactionsToday: 3,
		LastUpdated:       last,
	}, now)

	if !c.CollectedToday.Equal(decimal.Zero) || c.TransactionsToday != 0 {
		t.Fatalf("daily figures not reset: %+v", c)
	}
	if !c.CollectedMonth.Equal(decimal.Zero) {
		t.Fatalf("CollectedMonth = %s, want 0", c.CollectedMonth)
	}
}

func TestRecord_DayRollover(t *testing.T) {
	yesterday := time.Date(2025, 8, 30, 18, 0, 0, 0, time.UTC)
	now := time.Date(2025, 8, 31, 10, 0, 0, 0, time.UTC)

	repo := &stubRepo{
		counter: &model.MetricsCounter{
			CollectedMonth:    d("9000"),
			CollectedToday:    d("500"),
			TransactionsToday: 3,
			LastUpdated:       yesterday,
		},
	}

	a := NewAggregator(repo)

	updated, err := a.Record(context.Background(), d("200"), now)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	if updated.CollectedToday.String() != "200" {
		t.Fatalf("CollectedToday = %s, want 200", updated.CollectedToday)
	}
	if updated.TransactionsToday != 1 {
		t.Fatalf("TransactionsToday = %d, want 1", updated.TransactionsToday)
	}
	if updated.CollectedMonth.String() != "9200" {
		t.Fatalf("CollectedMonth = %s, want 9200", updated.CollectedMonth)
	}
	if !updated.LastUpdated.Equal(now) {
		t.Fatalf("LastUpdated = %v, want %v", updated.LastUpdated, now)
	}
}

func TestRecord_MonthRollover(t *testing.T) {
	lastOfMonth := time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC)
	now := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

	repo := &stubRepo{
		counter: &model.MetricsCounter{
			CollectedMonth:    d("9000"),
			CollectedToday:    d("500"),
			TransactionsToday: 3,
			LastUpdated:       lastOfMonth,
		},
	}

	a := NewAggregator(repo)

	updated, err := a.Record(context.Background(), d("100"), now)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	if updated.CollectedMonth.String() != "100" {
		t.Fatalf("CollectedMonth = %s, want 100", updated.CollectedMonth)
	}
	if updated.CollectedToday.String() != "100" {
		t.Fatalf("CollectedToday = %s, want 100", updated.CollectedToday)
	}
	if updated.TransactionsToday != 1 {
		t.Fatalf("TransactionsToday = %d, want 1", updated.TransactionsToday)
	}
}

func TestRecord_ConflictRetriesWithFreshState(t *testing.T) {
	now := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)

	repo := &stubRepo{
		counter: &model.MetricsCounter{
			CollectedMonth:    d("1000"),
			CollectedToday:    d("100"),
			TransactionsToday: 1,
			LastUpdated:       earlier,
		},
		conflictsLeft: 1,
		// Конкурирующий платёж успевает записаться первым
		concurrentWrite: &model.MetricsCounter{
			CollectedMonth:    d("1300"),
			CollectedToday:    d("400"),
			TransactionsToday: 2,
			LastUpdated:       now.Add(-time.Minute),
		},
	}

	a := NewAggregator(repo)

	updated, err := a.Record(context.Background(), d("200"), now)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	// Дельта применяется к заново прочитанному состоянию, а не к кешированному
	if updated.CollectedToday.String() != "600" {
		t.Fatalf("CollectedToday = %s, want 600", updated.CollectedToday)
	}
	if updated.CollectedMonth.String() != "1500" {
		t.Fatalf("CollectedMonth = %s, want 1500", updated.CollectedMonth)
	}
	if updated.TransactionsToday != 3 {
		t.Fatalf("TransactionsToday = %d, want 3", updated.TransactionsToday)
	}
	if repo.getCalls != 2 {
		t.Fatalf("getCalls = %d, want 2", repo.getCalls)
	}
	if len(repo.updates) != 1 {
		t.Fatalf("successful updates = %d, want 1", len(repo.updates))
	}
}

func TestRecord_BootstrapsAbsentCounter(t *testing.T) {
	now := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)

	// Счётчика нет, но журнал уже содержит проведённый платёж 3500:
	// Record вызывается после записи в журнал, и агрегаты его включают.
	repo := &stubRepo{
		daySum:   d("3500"),
		dayCount: 1,
		monthSum: d("3500"),
	}

	a := NewAggregator(repo)

	updated, err := a.Record(context.Background(), d("3500"), now)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	// Засев уже согласован с журналом: платёж не должен учитываться повторно
	if updated.CollectedToday.String() != "3500" {
		t.Fatalf("CollectedToday = %s, want 3500 (payment double-counted)", updated.CollectedToday)
	}
	if updated.TransactionsToday != 1 {
		t.Fatalf("TransactionsToday = %d, want 1", updated.TransactionsToday)
	}
	if updated.CollectedMonth.String() != "3500" {
		t.Fatalf("CollectedMonth = %s, want 3500", updated.CollectedMonth)
	}
	if repo.counter == nil {
		t.Fatal("counter row not inserted")
	}
	if len(repo.updates) != 0 {
		t.Fatalf("bootstrap must not apply an extra update, got %d", len(repo.updates))
	}

	// Следующий платёж идёт обычным путём инкремента
	updated, err = a.Record(context.Background(), d("1500"), now)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if updated.CollectedToday.String() != "5000" {
		t.Fatalf("CollectedToday = %s, want 5000", updated.CollectedToday)
	}
	if updated.TransactionsToday != 2 {
		t.Fatalf("TransactionsToday = %d, want 2", updated.TransactionsToday)
	}
}

func TestSnapshot_AppliesRolloverWithoutWrite(t *testing.T) {
	yesterday := time.Date(2025, 8, 30, 18, 0, 0, 0, time.UTC)
	now := time.Date(2025, 8, 31, 9, 0, 0, 0, time.UTC)

	repo := &stubRepo{
		counter: &model.MetricsCounter{
			CollectedMonth:    d("9000"),
			CollectedToday:    d("500"),
			TransactionsToday: 3,
			LastUpdated:       yesterday,
		},
	}

	a := NewAggregator(repo)

	snap, err := a.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}

	if !snap.CollectedToday.Equal(decimal.Zero) || snap.TransactionsToday != 0 {
		t.Fatalf("daily figures not logically reset: %+v", snap)
	}
	if snap.CollectedMonth.String() != "9000" {
		t.Fatalf("CollectedMonth = %s, want 9000", snap.CollectedMonth)
	}
	if repo.updateCalls != 0 {
		t.Fatalf("Snapshot must not write, updateCalls = %d", repo.updateCalls)
	}
}

func TestSnapshot_AbsentCounterReturnsZeros(t *testing.T) {
	now := time.Date(2025, 8, 31, 9, 0, 0, 0, time.UTC)

	a := NewAggregator(&stubRepo{})

	snap, err := a.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}

	if !snap.CollectedToday.Equal(decimal.Zero) || !snap.CollectedMonth.Equal(decimal.Zero) || snap.TransactionsToday != 0 {
		t.Fatalf("expected zero counter, got %+v", snap)
	}
}

func TestRecord_PropagatesPersistentError(t *testing.T) {
	now := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)

	repo := &erroringRepo{err: errors.New("database unavailable")}

	a := NewAggregator(repo)

	if _, err := a.Record(context.Background(), d("100"), now); err == nil {
		t.Fatalf("expected error from failing repository")
	}
}

type erroringRepo struct {
	err error
}

func (e *erroringRepo) GetMetrics(ctx context.Context) (*model.MetricsCounter, error) {
	return nil, e.err
}

func (e *erroringRepo) InsertMetrics(ctx context.Context, counter model.MetricsCounter) error {
	return e.err
}

func (e *erroringRepo) UpdateMetrics(ctx context.Context, counter model.MetricsCounter, expectedLastUpdated time.Time) error {
	return e.err
}

func (e *erroringRepo) SumPaymentsOn(ctx context.Context, day time.Time) (decimal.Decimal, int64, error) {
	return decimal.Zero, 0, e.err
}

func (e *erroringRepo) SumPaymentsInMonth(ctx context.Context, month time.Time) (decimal.Decimal, error) {
	return decimal.Zero, e.err
}
