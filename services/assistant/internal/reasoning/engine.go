package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AfshinJalili/fintrack/libs/trace"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/sqlguard"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/storage"
)

// maxQueryFailures is the number of failed queries after which the query
// capability closes: the first failure earns one retry.
const maxQueryFailures = 2

type QueryRunner interface {
	QueryReadOnly(ctx context.Context, sql string, args []any, maxRows int) (*storage.Result, error)
}

// QueryStats counts what the SQL capability did during one turn.
type QueryStats struct {
	Attempts  int
	Succeeded int
	Denied    int
}

type EngineOptions struct {
	MaxIterations int
	DefaultRows   int
	MaxRows       int
}

// SQLEngine answers one natural-language data request for one user.
type SQLEngine struct {
	model   Model
	runner  QueryRunner
	logger  *slog.Logger
	metrics *Metrics
	opts    EngineOptions
}

func NewSQLEngine(model Model, runner QueryRunner, logger *slog.Logger, metrics *Metrics, opts EngineOptions) *SQLEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 6
	}
	if opts.DefaultRows <= 0 {
		opts.DefaultRows = 10
	}
	if opts.MaxRows < opts.DefaultRows {
		opts.MaxRows = opts.DefaultRows
	}
	return &SQLEngine{model: model, runner: runner, logger: logger, metrics: metrics, opts: opts}
}

// Query never fails for reasons the model caused: those become DontKnow.
// Only context expiry, backend quota and storage outages are returned.
func (e *SQLEngine) Query(ctx context.Context, request string, scope sqlguard.Scope) (string, error) {
	return e.query(ctx, request, scope, &QueryStats{})
}

func (e *SQLEngine) query(ctx context.Context, request string, scope sqlguard.Scope, stats *QueryStats) (string, error) {
	tool := &sqlTool{engine: e, scope: scope, stats: stats}
	l := &loop{
		logger:        e.logger,
		model:         e.model,
		system:        sqlSystemPrompt(scope.UserID, e.opts.DefaultRows),
		tools:         []Tool{tool},
		maxIterations: e.opts.MaxIterations,
		metrics:       e.metrics,
		name:          "sql",
	}

	res, err := l.run(ctx, []Message{{Role: RoleUser, Content: scopedRequest(request, scope.UserID)}})
	if err != nil {
		if mustPropagate(err) {
			return "", err
		}
		e.logger.Warn("sql engine gave up", "user_id", scope.UserID, "error", err)
		return DontKnow, nil
	}

	answer := res.output.Text()
	if strings.TrimSpace(answer) == "" {
		return DontKnow, nil
	}
	return answer, nil
}

func mustPropagate(err error) bool {
	return isContextErr(err) || errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrStorageUnavailable)
}

type sqlTool struct {
	engine   *SQLEngine
	scope    sqlguard.Scope
	stats    *QueryStats
	failures int
}

func (t *sqlTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        SQLToolName,
		Description: "Execute one read-only PostgreSQL SELECT query and return the rows. On error, rewrite the query and try again.",
		Params: []ToolParam{
			{Name: "query", Description: "A single SELECT statement."},
		},
	}
}

func (t *sqlTool) Closed() bool { return t.failures >= maxQueryFailures }

func (t *sqlTool) Call(ctx context.Context, args map[string]string) (string, error) {
	query := strings.TrimSpace(args["query"])
	t.stats.Attempts++
	if query == "" {
		return t.fail("the query argument is empty"), nil
	}

	scoped, err := sqlguard.Check(query, t.scope)
	if err != nil {
		var v *sqlguard.Violation
		if errors.As(err, &v) {
			t.engine.metrics.guardRejection(string(v.Kind))
		}
		if sqlguard.IsDenied(err) {
			t.stats.Denied++
			t.failures = maxQueryFailures
			return fmt.Sprintf("Error: access denied. The user has not granted access to %s data. Reply exactly with: %q", v.Category, permissions.RefusalMessage), nil
		}
		t.engine.logger.Info("sql guard rejected query", "user_id", t.scope.UserID, "error", err)
		return t.fail(err.Error()), nil
	}

	ctx, span := trace.Tracer("assistant/reasoning").Start(ctx, "sql_db_query")
	span.SetAttributes(attribute.StringSlice("db.tables", scoped.Tables))
	defer span.End()

	start := time.Now()
	res, err := t.engine.runner.QueryReadOnly(ctx, scoped.SQL, scoped.Args, t.engine.opts.MaxRows)
	t.engine.metrics.observeQuery(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")

		var qe *storage.QueryError
		switch {
		case errors.As(err, &qe):
			return t.fail(qe.Error()), nil
		case isContextErr(err):
			return "", err
		default:
			return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}

	t.stats.Succeeded++
	return FormatResult(res), nil
}

func (t *sqlTool) fail(reason string) string {
	t.failures++
	if t.Closed() {
		return fmt.Sprintf("Error: %s. No further queries can be run; answer with the information you already have, or say \"%s\".", reason, DontKnow)
	}
	return fmt.Sprintf("Error: %s. Rewrite the query and try once more.", reason)
}

// FormatResult renders rows as a pipe-separated table for the model.
func FormatResult(res *storage.Result) string {
	if res == nil || len(res.Rows) == 0 {
		return "The query returned no rows."
	}
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, " | "))
	for _, row := range res.Rows {
		b.WriteString("\n")
		b.WriteString(strings.Join(row, " | "))
	}
	if res.Truncated {
		fmt.Fprintf(&b, "\n(result truncated to the first %d rows)", len(res.Rows))
	}
	return b.String()
}
