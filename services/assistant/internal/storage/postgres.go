package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
)

var (
	ErrNotFound = permissions.ErrUnknownUser
	// ErrUnavailable marks failures of the database itself rather than of
	// the statement being run.
	ErrUnavailable = errors.New("storage unavailable")
)

// QueryError is a statement the database rejected. The message is safe to
// show to the query author; it never carries row data.
type QueryError struct {
	Code    string
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed (%s): %s", e.Code, e.Message)
}

type Options struct {
	StatementTimeout time.Duration
	MaxRows          int
}

type Store struct {
	pool *pgxpool.Pool
	opts Options
}

func New(pool *pgxpool.Pool, opts Options) *Store {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 100
	}
	return &Store{pool: pool, opts: opts}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetPermissions(ctx context.Context, userID string) (permissions.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT perm_assets, perm_liabilities, perm_transactions,
		       perm_investments, perm_credit_score, perm_epf_balance
		FROM users
		WHERE user_id = $1
	`, userID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return permissions.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) UpdatePermissions(ctx context.Context, userID string, u permissions.Update) (permissions.Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			perm_assets       = COALESCE($2, perm_assets),
			perm_liabilities  = COALESCE($3, perm_liabilities),
			perm_transactions = COALESCE($4, perm_transactions),
			perm_investments  = COALESCE($5, perm_investments),
			perm_credit_score = COALESCE($6, perm_credit_score),
			perm_epf_balance  = COALESCE($7, perm_epf_balance)
		WHERE user_id = $1
		RETURNING perm_assets, perm_liabilities, perm_transactions,
		          perm_investments, perm_credit_score, perm_epf_balance
	`, userID, u.Assets, u.Liabilities, u.Transactions, u.Investments, u.CreditScore, u.EPFBalance)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return permissions.Record{}, ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.Row) (permissions.Record, error) {
	// Columns default to TRUE but may hold NULL on legacy rows; NULL denies.
	var a, l, t, i, c, e pgtype.Bool
	if err := row.Scan(&a, &l, &t, &i, &c, &e); err != nil {
		return permissions.Record{}, err
	}
	return permissions.Record{
		Assets:       a.Valid && a.Bool,
		Liabilities:  l.Valid && l.Bool,
		Transactions: t.Valid && t.Bool,
		Investments:  i.Valid && i.Bool,
		CreditScore:  c.Valid && c.Bool,
		EPFBalance:   e.Valid && e.Bool,
	}, nil
}

// QueryReadOnly runs one statement inside a read-only transaction on a
// single pooled connection, released before returning. At most maxRows
// rows are read, bounded by the store's hard limit.
func (s *Store) QueryReadOnly(ctx context.Context, sql string, args []any, maxRows int) (*Result, error) {
	if maxRows <= 0 || maxRows > s.opts.MaxRows {
		maxRows = s.opts.MaxRows
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if s.opts.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", s.opts.StatementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, classify(ctx, err)
		}
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	res := &Result{}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		if len(res.Rows) == maxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, classify(ctx, err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = FormatValue(v)
		}
		res.Rows = append(res.Rows, cells)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	return res, nil
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{Code: pgErr.Code, Message: pgErr.Message}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// FormatValue renders one result cell. Numbers use their shortest exact
// decimal form.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int16:
		return decimal.NewFromInt(int64(x)).String()
	case int32:
		return decimal.NewFromInt(int64(x)).String()
	case int64:
		return decimal.NewFromInt(x).String()
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Sprint(x)
		}
		return decimal.NewFromFloat32(x).String()
	case float64:
		return formatFloat(x)
	case pgtype.Numeric:
		return formatNumeric(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.UTC().Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return decimal.NewFromFloat(f).String()
}

func formatNumeric(n pgtype.Numeric) string {
	switch {
	case !n.Valid:
		return "NULL"
	case n.NaN:
		return "NaN"
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity"
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity"
	}
	i := n.Int
	if i == nil {
		i = new(big.Int)
	}
	return decimal.NewFromBigInt(i, n.Exp).String()
}
