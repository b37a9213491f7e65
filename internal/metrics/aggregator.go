// Package metrics поддерживает единственный счётчик агрегированных показателей сборов.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/gymdesk-system/internal/model"
	"github.com/mmeshcher/gymdesk-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый агрегатором.
type Repository interface {
	GetMetrics(ctx context.Context) (*model.MetricsCounter, error)
	InsertMetrics(ctx context.Context, counter model.MetricsCounter) error
	UpdateMetrics(ctx context.Context, counter model.MetricsCounter, expectedLastUpdated time.Time) error
	SumPaymentsOn(ctx context.Context, day time.Time) (decimal.Decimal, int64, error)
	SumPaymentsInMonth(ctx context.Context, month time.Time) (decimal.Decimal, error)
}

const (
	casMaxRetries   = 5
	casRetryBackoff = 50 * time.Millisecond
)

// Aggregator инкапсулирует цикл чтение-сброс-инкремент-запись над счётчиком показателей.
type Aggregator struct {
	repo Repository
}

// NewAggregator создаёт агрегатор показателей над указанным репозиторием.
func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Rollover приводит счётчик к текущему моменту: при смене календарного дня
// обнуляются дневные показатели, при смене месяца или года — месячная сумма.
// Обе проверки независимы и на границе месяца срабатывают вместе.
func Rollover(c model.MetricsCounter, now time.Time) model.MetricsCounter {
	ly, lm, ld := c.LastUpdated.Date()
	ny, nm, nd := now.Date()

	if ld != nd || lm != nm || ly != ny {
		c.CollectedToday = decimal.Zero
		c.TransactionsToday = 0
	}
	if lm != nm || ly != ny {
		c.CollectedMonth = decimal.Zero
	}

	return c
}

// Record добавляет сумму платежа к показателям и возвращает обновлённый счётчик.
// Запись выполняется условным обновлением по прочитанному last_updated:
// конкурирующий писатель вызывает конфликт, и цикл повторяется с заново
// прочитанным состоянием, поэтому дельта никогда не применяется дважды.
// Если строки счётчика ещё нет, она засевается агрегацией журнала платежей;
// текущий платёж уже входит в агрегаты, и инкремент к засеву не применяется.
func (a *Aggregator) Record(ctx context.Context, amount decimal.Decimal, now time.Time) (*model.MetricsCounter, error) {
	var updated model.MetricsCounter

	backoff := retry.WithMaxRetries(casMaxRetries, retry.NewConstant(casRetryBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := a.repo.GetMetrics(ctx)
		if errors.Is(err, repository.ErrMetricsNotFound) {
			// Record вызывается после записи платежа в журнал, поэтому засев
			// уже содержит текущий платёж. Повторный инкремент задвоил бы его.
			seeded, err := a.bootstrap(ctx, now)
			if err != nil {
				return fmt.Errorf("bootstrap metrics: %w", err)
			}
			updated = *seeded
			return nil
		}
		if err != nil {
			return fmt.Errorf("get metrics: %w", err)
		}

		next := Rollover(*cur, now)
		next.CollectedMonth = next.CollectedMonth.Add(amount)
		next.CollectedToday = next.CollectedToday.Add(amount)
		next.TransactionsToday++
		next.LastUpdated = now

		if err := a.repo.UpdateMetrics(ctx, next, cur.LastUpdated); err != nil {
			if errors.Is(err, repository.ErrMetricsConflict) {
				return retry.RetryableError(err)
			}
			return fmt.Errorf("update metrics: %w", err)
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// bootstrap создаёт счётчик, засеянный разовой агрегацией журнала платежей
// за сегодня и за текущий месяц. Конкурирующая вставка не считается ошибкой:
// авторитетной становится строка, прочитанная после вставки.
func (a *Aggregator) bootstrap(ctx context.Context, now time.Time) (*model.MetricsCounter, error) {
	today, count, err := a.repo.SumPaymentsOn(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sum payments for day: %w", err)
	}

	month, err := a.repo.SumPaymentsInMonth(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sum payments for month: %w", err)
	}

	seed := model.MetricsCounter{
		CollectedMonth:    month,
		CollectedToday:    today,
		TransactionsToday: count,
		LastUpdated:       now,
	}

	if err := a.repo.InsertMetrics(ctx, seed); err != nil {
		return nil, fmt.Errorf("insert metrics: %w", err)
	}

	return a.repo.GetMetrics(ctx)
}

// Snapshot возвращает счётчик с логически применённым сбросом календарных
// окон без записи в хранилище. Используется для карточек панели управления.
func (a *Aggregator) Snapshot(ctx context.Context, now time.Time) (*model.MetricsCounter, error) {
	cur, err := a.repo.GetMetrics(ctx)
	if errors.Is(err, repository.ErrMetricsNotFound) {
		return &model.MetricsCounter{
			CollectedMonth: decimal.Zero,
			CollectedToday: decimal.Zero,
			LastUpdated:    now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}

	snap := Rollover(*cur, now)
	return &snap, nil
}
