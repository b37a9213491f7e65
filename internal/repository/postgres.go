// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/gymdesk-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStaffExists возвращается при попытке создать сотрудника с уже существующим логином.
var (
	ErrStaffExists = errors.New("staff account already exists")
	// ErrStaffNotFound возвращается, если сотрудник не найден.
	ErrStaffNotFound = errors.New("staff account not found")
	// ErrMemberExists возвращается при попытке зарегистрировать участника с занятым идентификатором.
	ErrMemberExists = errors.New("member already exists")
	// ErrMemberNotFound возвращается, если участник не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrPendingEntryNotFound возвращается, если запись задолженности не найдена.
	ErrPendingEntryNotFound = errors.New("fee pending entry not found")
	// ErrMetricsNotFound возвращается, если строка счётчика показателей ещё не создана.
	ErrMetricsNotFound = errors.New("metrics counter not found")
	// ErrMetricsConflict возвращается, если условное обновление счётчика не прошло:
	// строку успел изменить конкурирующий писатель.
	ErrMetricsConflict = errors.New("metrics counter modified concurrently")
)

// Единственная строка счётчика показателей хранится под фиксированным ключом.
const metricsSingletonID = 1

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных сбоях: сериализационных ошибках,
// дедлоках и обрывах соединения. Ошибки контекста не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateStaff создаёт новую учётную запись сотрудника.
func (r *PostgresRepository) CreateStaff(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO staff (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrStaffExists, login)
		}
		return 0, fmt.Errorf("create staff: %w", err)
	}
	return id, nil
}

// GetStaffByLogin возвращает сотрудника по логину.
func (r *PostgresRepository) GetStaffByLogin(ctx context.Context, login string) (*model.Staff, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM staff WHERE login = $1`,
		login,
	)

	var s model.Staff
	err := row.Scan(&s.ID, &s.Login, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaffNotFound
		}
		return nil, fmt.Errorf("get staff: %w", err)
	}

	return &s, nil
}

// CreateMember сохраняет нового участника клуба.
func (r *PostgresRepository) CreateMember(ctx context.Context, m model.Member) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO members (
				member_id, member_name, member_phone, member_email, member_type,
				payment_mode, joining_date, bill_date, gender, address,
				referred_by, trainer, document_type, document_number, dob
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			m.ID, m.Name, m.Phone, m.Email, m.Pack,
			m.PaymentMode, m.JoiningDate, m.BillDate, m.Gender, m.Address,
			m.ReferredBy, m.Trainer, m.DocumentType, m.DocumentNumber, m.DateOfBirth,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrMemberExists, m.ID)
			}
			return fmt.Errorf("insert member: %w", err)
		}
		return nil
	})
}

// GetMember возвращает участника по идентификатору.
func (r *PostgresRepository) GetMember(ctx context.Context, memberID string) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT member_id, member_name, member_phone, member_email, member_type,
		        payment_mode, joining_date, bill_date, created_at
		 FROM members WHERE member_id = $1`,
		memberID,
	)

	var m model.Member
	err := row.Scan(&m.ID, &m.Name, &m.Phone, &m.Email, &m.Pack,
		&m.PaymentMode, &m.JoiningDate, &m.BillDate, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}

	return &m, nil
}

// NextMemberID возвращает следующий свободный числовой идентификатор участника.
func (r *PostgresRepository) NextMemberID(ctx context.Context) (string, error) {
	var next int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(member_id::bigint), 1000) + 1 FROM members WHERE member_id ~ '^[0-9]+$'`,
	).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("next member id: %w", err)
	}
	return fmt.Sprintf("%d", next), nil
}

// InsertTransaction сохраняет новую запись журнала платежей и возвращает её идентификатор.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, t model.Transaction) (int64, error) {
	var id int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO transactions (
				member_id, member_name, bill_date, start_date, payment_mode,
				member_type, discount, total_amount, total_paid, pending,
				months_paid, renewal_date, state
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING sno`,
			t.MemberID, t.MemberName, t.BillDate, t.StartDate, t.PaymentMode,
			t.MemberPack, t.Discount.StringFixed(2), t.TotalAmount.StringFixed(2),
			t.TotalPaid.StringFixed(2), t.Pending.StringFixed(2),
			t.MonthsPaid, t.RenewalDate, string(t.State),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

// GetTransaction возвращает запись журнала платежей по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT sno, member_id, member_name, bill_date, start_date, payment_mode,
		        member_type, discount::text, total_amount::text, total_paid::text,
		        pending::text, months_paid, renewal_date, state
		 FROM transactions WHERE sno = $1`,
		id,
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		t        model.Transaction
		discount string
		total    string
		paid     string
		pending  string
		state    string
	)

	err := row.Scan(&t.ID, &t.MemberID, &t.MemberName, &t.BillDate, &t.StartDate,
		&t.PaymentMode, &t.MemberPack, &discount, &total, &paid, &pending,
		&t.MonthsPaid, &t.RenewalDate, &state)
	if err != nil {
		return nil, err
	}

	if t.Discount, err = parseDecimal(discount); err != nil {
		return nil, fmt.Errorf("parse discount: %w", err)
	}
	if t.TotalAmount, err = parseDecimal(total); err != nil {
		return nil, fmt.Errorf("parse total amount: %w", err)
	}
	if t.TotalPaid, err = parseDecimal(paid); err != nil {
		return nil, fmt.Errorf("parse total paid: %w", err)
	}
	if t.Pending, err = parseDecimal(pending); err != nil {
		return nil, fmt.Errorf("parse pending: %w", err)
	}
	t.State = model.PaymentState(state)

	return &t, nil
}

// GetTransactionsByMember возвращает транзакции участника, новые первыми.
func (r *PostgresRepository) GetTransactionsByMember(ctx context.Context, memberID string) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sno, member_id, member_name, bill_date, start_date, payment_mode,
		        member_type, discount::text, total_amount::text, total_paid::text,
		        pending::text, months_paid, renewal_date, state
		 FROM transactions
		 WHERE member_id = $1
		 ORDER BY bill_date DESC, sno DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateTransactionPayment фиксирует платёж по существующей транзакции:
// новую дату счёта, способ оплаты, остаток, накопленную сумму и состояние.
func (r *PostgresRepository) UpdateTransactionPayment(ctx context.Context, id int64, billDate time.Time, paymentMode string, pending, totalPaid decimal.Decimal, state model.PaymentState) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE transactions
			 SET bill_date = $2, payment_mode = $3, pending = $4, total_paid = $5, state = $6
			 WHERE sno = $1`,
			id, billDate, paymentMode, pending.StringFixed(2), totalPaid.StringFixed(2), string(state),
		)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrTransactionNotFound
		}
		return nil
	})
}

// InsertFeePending сохраняет новую запись задолженности и возвращает её идентификатор.
func (r *PostgresRepository) InsertFeePending(ctx context.Context, e model.FeePendingEntry) (int64, error) {
	var id int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO fee_pending (member_id, member_name, member_phone, pending_amount, pending_exp_date)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING sno`,
			e.MemberID, e.MemberName, e.MemberPhone, e.PendingAmount.StringFixed(2), e.DueDate,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert fee pending: %w", err)
	}
	return id, nil
}

// GetFeePending возвращает запись задолженности по идентификатору.
func (r *PostgresRepository) GetFeePending(ctx context.Context, id int64) (*model.FeePendingEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT sno, member_id, member_name, member_phone, pending_amount::text, pending_exp_date
		 FROM fee_pending WHERE sno = $1`,
		id,
	)

	e, err := scanFeePending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPendingEntryNotFound
		}
		return nil, fmt.Errorf("get fee pending: %w", err)
	}

	return e, nil
}

func scanFeePending(row rowScanner) (*model.FeePendingEntry, error) {
	var (
		e       model.FeePendingEntry
		pending string
	)

	err := row.Scan(&e.ID, &e.MemberID, &e.MemberName, &e.MemberPhone, &pending, &e.DueDate)
	if err != nil {
		return nil, err
	}

	if e.PendingAmount, err = parseDecimal(pending); err != nil {
		return nil, fmt.Errorf("parse pending amount: %w", err)
	}

	return &e, nil
}

// GetFeePendingByMember возвращает актуальную запись задолженности участника
// с положительным остатком.
func (r *PostgresRepository) GetFeePendingByMember(ctx context.Context, memberID string) (*model.FeePendingEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT sno, member_id, member_name, member_phone, pending_amount::text, pending_exp_date
		 FROM fee_pending
		 WHERE member_id = $1 AND pending_amount > 0
		 ORDER BY sno DESC
		 LIMIT 1`,
		memberID,
	)

	e, err := scanFeePending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPendingEntryNotFound
		}
		return nil, fmt.Errorf("get fee pending by member: %w", err)
	}

	return e, nil
}

// ListFeePending возвращает записи с положительным остатком задолженности.
// Погашенные записи не удаляются, а лишь отфильтровываются из выборки.
func (r *PostgresRepository) ListFeePending(ctx context.Context) ([]model.FeePendingEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sno, member_id, member_name, member_phone, pending_amount::text, pending_exp_date
		 FROM fee_pending
		 WHERE pending_amount > 0
		 ORDER BY pending_exp_date NULLS LAST, sno`,
	)
	if err != nil {
		return nil, fmt.Errorf("select fee pending: %w", err)
	}
	defer rows.Close()

	var res []model.FeePendingEntry
	for rows.Next() {
		e, err := scanFeePending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fee pending: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateFeePendingAmount записывает новый остаток задолженности.
func (r *PostgresRepository) UpdateFeePendingAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE fee_pending SET pending_amount = $2 WHERE sno = $1`,
			id, amount.StringFixed(2),
		)
		if err != nil {
			return fmt.Errorf("update fee pending: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrPendingEntryNotFound
		}
		return nil
	})
}

// DeleteFeePending удаляет запись задолженности. Административная операция.
func (r *PostgresRepository) DeleteFeePending(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM fee_pending WHERE sno = $1`, id)
	if err != nil {
		return fmt.Errorf("delete fee pending: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPendingEntryNotFound
	}
	return nil
}

// GetMetrics возвращает единственную строку счётчика показателей.
func (r *PostgresRepository) GetMetrics(ctx context.Context) (*model.MetricsCounter, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT collected_month::text, collected_today::text, trans_done, last_updated
		 FROM stat_card WHERE sno = $1`,
		metricsSingletonID,
	)

	var (
		c     model.MetricsCounter
		month string
		today string
	)
	err := row.Scan(&month, &today, &c.TransactionsToday, &c.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMetricsNotFound
		}
		return nil, fmt.Errorf("get metrics: %w", err)
	}

	if c.CollectedMonth, err = parseDecimal(month); err != nil {
		return nil, fmt.Errorf("parse collected month: %w", err)
	}
	if c.CollectedToday, err = parseDecimal(today); err != nil {
		return nil, fmt.Errorf("parse collected today: %w", err)
	}

	return &c, nil
}

// InsertMetrics создаёт строку счётчика, если её ещё нет.
// Конкурирующая вставка не считается ошибкой.
func (r *PostgresRepository) InsertMetrics(ctx context.Context, c model.MetricsCounter) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO stat_card (sno, collected_month, collected_today, trans_done, last_updated)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (sno) DO NOTHING`,
			metricsSingletonID, c.CollectedMonth.StringFixed(2), c.CollectedToday.StringFixed(2),
			c.TransactionsToday, c.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("insert metrics: %w", err)
		}
		return nil
	})
}

// UpdateMetrics выполняет условное обновление счётчика: запись проходит только
// если last_updated не изменился с момента чтения, иначе возвращается
// ErrMetricsConflict и вызывающая сторона перечитывает состояние.
func (r *PostgresRepository) UpdateMetrics(ctx context.Context, c model.MetricsCounter, expectedLastUpdated time.Time) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE stat_card
			 SET collected_month = $2, collected_today = $3, trans_done = $4, last_updated = $5
			 WHERE sno = $1 AND last_updated = $6`,
			metricsSingletonID, c.CollectedMonth.StringFixed(2), c.CollectedToday.StringFixed(2),
			c.TransactionsToday, c.LastUpdated, expectedLastUpdated,
		)
		if err != nil {
			return fmt.Errorf("update metrics: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrMetricsConflict
		}
		return nil
	})
}

// SumPaymentsOn возвращает сумму и количество платежей за указанный календарный день.
// Используется для разового засева счётчика из журнала.
func (r *PostgresRepository) SumPaymentsOn(ctx context.Context, day time.Time) (decimal.Decimal, int64, error) {
	var (
		sum   string
		count int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_paid), 0)::text, COUNT(*)
		 FROM transactions
		 WHERE bill_date = $1::date`,
		day,
	).Scan(&sum, &count)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("sum payments for day: %w", err)
	}

	d, err := parseDecimal(sum)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("parse day sum: %w", err)
	}

	return d, count, nil
}

// SumPaymentsInMonth возвращает сумму платежей за календарный месяц указанной даты.
func (r *PostgresRepository) SumPaymentsInMonth(ctx context.Context, month time.Time) (decimal.Decimal, error) {
	var sum string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_paid), 0)::text
		 FROM transactions
		 WHERE date_trunc('month', bill_date) = date_trunc('month', $1::date)`,
		month,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum payments for month: %w", err)
	}

	d, err := parseDecimal(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse month sum: %w", err)
	}

	return d, nil
}
