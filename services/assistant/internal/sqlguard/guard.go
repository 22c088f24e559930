// Package sqlguard admits model-written SQL only when it is a single
// read-only SELECT over the assistant's five tables, and rewrites it so
// every table reference resolves to rows of the calling user.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
)

type Kind string

const (
	KindParse           Kind = "parse_error"
	KindNotSelect       Kind = "not_select"
	KindMultiple        Kind = "multiple_statements"
	KindWrite           Kind = "data_modification"
	KindSelectInto      Kind = "select_into"
	KindLocking         Kind = "locking_clause"
	KindParam           Kind = "bind_parameter"
	KindSchemaQualified Kind = "schema_qualified"
	KindUnknownRelation Kind = "unknown_relation"
	KindShadowing       Kind = "shadowed_table"
	KindFunction        Kind = "forbidden_function"
	KindDeniedTable     Kind = "denied_table"
	KindDeniedColumn    Kind = "denied_column"
)

// Violation describes why a query was refused.
type Violation struct {
	Kind     Kind
	Detail   string
	Category string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// IsDenied reports whether err refuses a query because it reaches a
// category the user has not granted.
func IsDenied(err error) bool {
	var v *Violation
	if !errors.As(err, &v) {
		return false
	}
	return v.Kind == KindDeniedTable || v.Kind == KindDeniedColumn
}

type Scope struct {
	UserID      string
	Permissions permissions.Record
}

// Scoped is a checked query ready to execute. Args binds $1 to the user.
type Scoped struct {
	SQL    string
	Args   []any
	Tables []string
}

// Tables maps each queryable relation to the category that gates it.
// The users table is always visible but only for the caller's own row.
var Tables = map[string]string{
	"users":        "",
	"transactions": permissions.Transactions,
	"assets":       permissions.Assets,
	"liabilities":  permissions.Liabilities,
	"investments":  permissions.Investments,
}

var scopedTables = []string{"transactions", "assets", "liabilities", "investments"}

var gatedColumns = map[string]string{
	"credit_score": permissions.CreditScore,
	"epf_balance":  permissions.EPFBalance,
}

// allowedFunctions lists every function a query may call. Anything else,
// including the catalog, XML export and text-search functions that take
// a relation or a query string, is refused.
var allowedFunctions = setOf(
	// aggregates
	"count", "sum", "avg", "min", "max", "stddev", "stddev_pop", "stddev_samp",
	"variance", "var_pop", "var_samp", "bool_and", "bool_or", "every",
	"string_agg", "array_agg", "json_agg", "jsonb_agg", "json_object_agg",
	"percentile_cont", "percentile_disc", "mode",
	// window
	"row_number", "rank", "dense_rank", "percent_rank", "cume_dist", "ntile",
	"lag", "lead", "first_value", "last_value", "nth_value",
	// math
	"abs", "round", "ceil", "ceiling", "floor", "trunc", "sign", "mod",
	"power", "sqrt", "exp", "ln", "log", "greatest", "least", "div",
	// conditional
	"coalesce", "nullif",
	// text
	"lower", "upper", "initcap", "length", "char_length", "concat", "concat_ws",
	"substr", "substring", "left", "right", "btrim", "ltrim", "rtrim", "trim",
	"lpad", "rpad", "replace", "split_part", "strpos", "position", "to_char",
	"to_number",
	// date and time
	"now", "date_trunc", "date_part", "extract", "age", "make_date",
	"make_interval", "to_date", "to_timestamp", "justify_interval",
	"justify_days", "timezone", "generate_series",
)

// Casts to these types turn a string into a catalog reference.
var objectIdentifierTypes = setOf("oid", "xid", "xid8", "cid", "tid")

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Check validates sql against scope and returns the user-scoped rewrite.
func Check(sql string, scope Scope) (*Scoped, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, &Violation{Kind: KindParse, Detail: err.Error()}
	}
	switch len(tree.GetStmts()) {
	case 0:
		return nil, &Violation{Kind: KindNotSelect, Detail: "empty query"}
	case 1:
	default:
		return nil, &Violation{Kind: KindMultiple, Detail: "only one statement may be executed"}
	}

	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return nil, &Violation{Kind: KindNotSelect, Detail: "only SELECT statements are allowed"}
	}

	c := &checker{scope: scope, ctes: map[string]bool{}, seen: map[string]bool{}}
	if err := walk(sel, c.collectCTE); err != nil {
		return nil, err
	}
	if err := walk(sel, c.visit); err != nil {
		return nil, err
	}

	prefix, err := pg_query.Parse(scopePrefix(scope.Permissions))
	if err != nil {
		return nil, fmt.Errorf("parse scope prefix: %w", err)
	}
	scoped := prefix.GetStmts()[0].GetStmt().GetSelectStmt().GetWithClause().GetCtes()
	if sel.WithClause == nil {
		sel.WithClause = &pg_query.WithClause{}
	}
	sel.WithClause.Ctes = append(append([]*pg_query.Node{}, scoped...), sel.WithClause.Ctes...)

	out, err := pg_query.Deparse(tree)
	if err != nil {
		return nil, fmt.Errorf("deparse scoped query: %w", err)
	}
	return &Scoped{SQL: out, Args: []any{scope.UserID}, Tables: c.tables}, nil
}

// scopePrefix builds the CTEs that shadow every table with the caller's
// rows. Denied tables are shadowed by empty relations and gated user
// columns are projected away.
func scopePrefix(p permissions.Record) string {
	cols := []string{"user_id", "name"}
	for _, col := range []string{"credit_score", "epf_balance"} {
		if p.Allows(gatedColumns[col]) {
			cols = append(cols, col)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WITH users AS (SELECT %s FROM public.users WHERE user_id = $1)", strings.Join(cols, ", "))
	for _, t := range scopedTables {
		cond := "user_id = $1"
		if !p.Allows(Tables[t]) {
			cond = "false"
		}
		fmt.Fprintf(&b, ", %s AS (SELECT * FROM public.%s WHERE %s)", t, t, cond)
	}
	b.WriteString(" SELECT 1")
	return b.String()
}

type checker struct {
	scope  Scope
	ctes   map[string]bool
	seen   map[string]bool
	tables []string
}

func (c *checker) collectCTE(m proto.Message) error {
	cte, ok := m.(*pg_query.CommonTableExpr)
	if !ok {
		return nil
	}
	if _, known := Tables[cte.GetCtename()]; known {
		return &Violation{Kind: KindShadowing, Detail: fmt.Sprintf("CTE %q reuses a table name", cte.GetCtename())}
	}
	c.ctes[cte.GetCtename()] = true
	return nil
}

func (c *checker) visit(m proto.Message) error {
	switch n := m.(type) {
	case *pg_query.InsertStmt, *pg_query.UpdateStmt, *pg_query.DeleteStmt, *pg_query.MergeStmt:
		return &Violation{Kind: KindWrite, Detail: "data-modifying statements are not allowed"}
	case *pg_query.SelectStmt:
		if n.GetIntoClause() != nil {
			return &Violation{Kind: KindSelectInto, Detail: "SELECT INTO is not allowed"}
		}
		if len(n.GetLockingClause()) > 0 {
			return &Violation{Kind: KindLocking, Detail: "locking clauses are not allowed"}
		}
	case *pg_query.ParamRef:
		return &Violation{Kind: KindParam, Detail: "bind parameters are not allowed"}
	case *pg_query.RangeVar:
		return c.checkRelation(n)
	case *pg_query.ColumnRef:
		return c.checkColumn(n)
	case *pg_query.FuncCall:
		return checkFunction(n)
	case *pg_query.TypeName:
		return checkType(n)
	}
	return nil
}

func (c *checker) checkRelation(rv *pg_query.RangeVar) error {
	name := rv.GetRelname()
	if rv.GetSchemaname() != "" || rv.GetCatalogname() != "" {
		return &Violation{Kind: KindSchemaQualified, Detail: fmt.Sprintf("use the bare table name instead of %s.%s", rv.GetSchemaname(), name)}
	}
	if c.ctes[name] {
		return nil
	}
	category, known := Tables[name]
	if !known {
		return &Violation{Kind: KindUnknownRelation, Detail: fmt.Sprintf("relation %q is not available", name)}
	}
	if category != "" && !c.scope.Permissions.Allows(category) {
		return &Violation{Kind: KindDeniedTable, Detail: fmt.Sprintf("access to %s is denied", name), Category: category}
	}
	if !c.seen[name] {
		c.seen[name] = true
		c.tables = append(c.tables, name)
	}
	return nil
}

func (c *checker) checkColumn(ref *pg_query.ColumnRef) error {
	for _, f := range ref.GetFields() {
		s := f.GetString_()
		if s == nil {
			continue
		}
		category, gated := gatedColumns[s.GetSval()]
		if gated && !c.scope.Permissions.Allows(category) {
			return &Violation{Kind: KindDeniedColumn, Detail: fmt.Sprintf("access to %s is denied", s.GetSval()), Category: category}
		}
	}
	return nil
}

func checkFunction(fc *pg_query.FuncCall) error {
	parts := make([]string, 0, len(fc.GetFuncname()))
	for _, n := range fc.GetFuncname() {
		parts = append(parts, strings.ToLower(n.GetString_().GetSval()))
	}
	if len(parts) == 0 {
		return nil
	}
	// EXTRACT, SUBSTRING, TRIM and friends parse as pg_catalog calls.
	sqlSyntax := fc.GetFuncformat() == pg_query.CoercionForm_COERCE_SQL_SYNTAX
	if len(parts) > 1 && !(sqlSyntax && len(parts) == 2 && parts[0] == "pg_catalog") {
		return &Violation{Kind: KindSchemaQualified, Detail: fmt.Sprintf("function %s must not be schema qualified", strings.Join(parts, "."))}
	}
	name := parts[len(parts)-1]
	if !allowedFunctions[name] {
		return &Violation{Kind: KindFunction, Detail: fmt.Sprintf("function %s is not allowed", name)}
	}
	return nil
}

func checkType(tn *pg_query.TypeName) error {
	names := tn.GetNames()
	if len(names) == 0 {
		return nil
	}
	name := strings.ToLower(names[len(names)-1].GetString_().GetSval())
	if strings.HasPrefix(name, "reg") || objectIdentifierTypes[name] {
		return &Violation{Kind: KindFunction, Detail: fmt.Sprintf("cast to %s is not allowed", name)}
	}
	return nil
}

// walk visits m and every message reachable from it, depth first.
func walk(m proto.Message, fn func(proto.Message) error) error {
	if m == nil {
		return nil
	}
	rm := m.ProtoReflect()
	if !rm.IsValid() {
		return nil
	}
	if err := fn(m); err != nil {
		return err
	}

	var err error
	rm.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
		case fd.IsList():
			if fd.Kind() != protoreflect.MessageKind {
				return true
			}
			list := v.List()
			for i := 0; i < list.Len() && err == nil; i++ {
				err = walk(list.Get(i).Message().Interface(), fn)
			}
		case fd.Kind() == protoreflect.MessageKind:
			err = walk(v.Message().Interface(), fn)
		}
		return err == nil
	})
	return err
}
