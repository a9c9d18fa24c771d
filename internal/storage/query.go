package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/filter"
)

// tableColumns lists the legal column names per table, for filter validation
// and GetColumn.
var tableColumns = map[string]map[string]bool{
	"client": cols("pk", "label", "client_url", "client_id", "client_secret",
		"token_uri", "machine_name", "work_dir", "fsystem", "small_file_size_mb"),
	"code":      cols("pk", "label", "client_pk", "script", "upload_paths"),
	"calcjob":   cols("pk", "label", "uuid", "code_pk", "parameters", "upload_paths", "download_globs"),
	"process":   cols("pk", "calcjob_pk", "step", "state", "job_id", "exception", "retrieved_paths"),
	"data_node": cols("pk", "attributes", "creator_pk"),
}

func cols(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Columns returns the legal filter columns for a table.
func Columns(table string) map[string]bool {
	return tableColumns[table]
}

// buildWhere compiles filter expressions into a SQL fragment and args.
// Multiple expressions are joined by AND at the outer level.
func buildWhere(exprs []*filter.Expr) (string, []any, error) {
	var parts []string
	var args []any
	for _, expr := range exprs {
		if expr == nil || len(expr.Conds) == 0 {
			continue
		}
		var sb strings.Builder
		sb.WriteString("(")
		for i, cond := range expr.Conds {
			if i > 0 {
				sb.WriteString(" " + expr.Joins[i-1] + " ")
			}
			frag, condArgs, err := condSQL(cond)
			if err != nil {
				return "", nil, err
			}
			sb.WriteString(frag)
			args = append(args, condArgs...)
		}
		sb.WriteString(")")
		parts = append(parts, sb.String())
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func condSQL(c filter.Condition) (string, []any, error) {
	switch c.Op {
	case filter.OpEq:
		return c.Column + " = ?", []any{c.Value}, nil
	case filter.OpNe:
		return c.Column + " != ?", []any{c.Value}, nil
	case filter.OpGt, filter.OpGe, filter.OpLt, filter.OpLe:
		return c.Column + " " + string(c.Op) + " ?", []any{c.Value}, nil
	case filter.OpLike:
		return c.Column + " LIKE ?", []any{c.Value}, nil
	case filter.OpNotLike:
		return c.Column + " NOT LIKE ?", []any{c.Value}, nil
	case filter.OpIn, filter.OpNotIn:
		vals, ok := c.Value.([]any)
		if !ok || len(vals) == 0 {
			return "", nil, domain.Errorf(domain.KindValidation,
				"IN filter on %q needs a value list", c.Column)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		op := "IN"
		if c.Op == filter.OpNotIn {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", c.Column, op, placeholders), vals, nil
	}
	return "", nil, domain.Errorf(domain.KindValidation, "unknown comparator %q", c.Op)
}

// CountRows counts rows of a table matching the filters.
func (s *Storage) CountRows(ctx context.Context, table string, where ...*filter.Expr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := tableColumns[table]; !ok {
		return 0, domain.Errorf(domain.KindValidation, "unknown table %q", table)
	}
	frag, args, err := buildWhere(where)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.q().QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, frag), args...).Scan(&count)
	return count, err
}

// GetRow fetches one row by pk as a frozen snapshot.
func GetRow[E domain.Entity](ctx context.Context, s *Storage, pk int64) (E, error) {
	var zero E
	rows, err := IterRows[E](ctx, s, 1, 1, &filter.Expr{
		Conds: []filter.Condition{{Column: "pk", Op: filter.OpEq, Value: pk}},
	})
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, domain.Errorf(domain.KindNotFound, "%s(%d) not found", zero.TableName(), pk)
	}
	return rows[0], nil
}

// IterRows pages over rows of a table, ordered by pk, as frozen snapshots.
// page is 1-based; pageSize 0 means no paging.
func IterRows[E domain.Entity](ctx context.Context, s *Storage, page, pageSize int, where ...*filter.Expr) ([]E, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero E
	table := zero.TableName()
	frag, args, err := buildWhere(where)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY pk",
		strings.Join(selectColumns(table), ", "), table, frag)
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)
	}

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []E
	for rows.Next() {
		e, err := scanEntity(table, rows)
		if err != nil {
			return nil, err
		}
		e.Freeze()
		out = append(out, e.(E))
	}
	return out, rows.Err()
}

func selectColumns(table string) []string {
	switch table {
	case "client":
		return []string{"pk", "label", "client_url", "client_id", "client_secret",
			"token_uri", "machine_name", "work_dir", "fsystem", "small_file_size_mb"}
	case "code":
		return []string{"pk", "label", "client_pk", "script", "upload_paths"}
	case "calcjob":
		return []string{"pk", "label", "uuid", "code_pk", "parameters", "upload_paths", "download_globs"}
	case "process":
		return []string{"pk", "calcjob_pk", "step", "state", "job_id", "exception", "retrieved_paths"}
	case "data_node":
		return []string{"pk", "attributes", "creator_pk"}
	}
	return nil
}

func scanEntity(table string, rows *sql.Rows) (domain.Entity, error) {
	switch table {
	case "client":
		var c domain.Client
		if err := rows.Scan(&c.Pk, &c.Label, &c.ClientURL, &c.ClientID, &c.ClientSecret,
			&c.TokenURI, &c.MachineName, &c.WorkDir, &c.FSystem, &c.SmallFileSizeMB); err != nil {
			return nil, err
		}
		return &c, nil
	case "code":
		var c domain.Code
		var paths string
		if err := rows.Scan(&c.Pk, &c.Label, &c.ClientPk, &c.Script, &paths); err != nil {
			return nil, err
		}
		if err := jsonInto(paths, &c.UploadPaths); err != nil {
			return nil, err
		}
		return &c, nil
	case "calcjob":
		var c domain.CalcJob
		var params, paths, globs string
		if err := rows.Scan(&c.Pk, &c.Label, &c.UUID, &c.CodePk, &params, &paths, &globs); err != nil {
			return nil, err
		}
		if err := jsonInto(params, &c.Parameters); err != nil {
			return nil, err
		}
		if err := jsonInto(paths, &c.UploadPaths); err != nil {
			return nil, err
		}
		if err := jsonInto(globs, &c.DownloadGlobs); err != nil {
			return nil, err
		}
		return &c, nil
	case "process":
		var p domain.Process
		var retrieved string
		if err := rows.Scan(&p.Pk, &p.CalcJobPk, &p.Step, &p.State,
			&p.JobID, &p.Exception, &retrieved); err != nil {
			return nil, err
		}
		if err := jsonInto(retrieved, &p.RetrievedPaths); err != nil {
			return nil, err
		}
		return &p, nil
	case "data_node":
		var d domain.DataNode
		var attrs string
		if err := rows.Scan(&d.Pk, &attrs, &d.CreatorPk); err != nil {
			return nil, err
		}
		if err := jsonInto(attrs, &d.Attributes); err != nil {
			return nil, err
		}
		return &d, nil
	}
	return nil, domain.Errorf(domain.KindValidation, "unknown table %q", table)
}

func jsonInto(raw string, dest any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

// pkByLabel resolves an entity label to a pk, within the current transaction.
func (s *Storage) pkByLabel(ctx context.Context, table, label string) (int64, bool, error) {
	var pk int64
	err := s.q().QueryRowContext(ctx,
		fmt.Sprintf("SELECT pk FROM %s WHERE label = ?", table), label).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pk, true, nil
}

// ClientPkByLabel resolves a client label.
func (s *Storage) ClientPkByLabel(ctx context.Context, label string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkByLabel(ctx, "client", label)
}

// CodePkByLabel resolves a code label.
func (s *Storage) CodePkByLabel(ctx context.Context, label string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkByLabel(ctx, "code", label)
}

// JobGraph is the full entity chain behind one process, loaded for the
// engine. All rows are frozen snapshots except the process, which the engine
// mutates and writes back.
type JobGraph struct {
	Process *domain.Process
	Calc    *domain.CalcJob
	Code    *domain.Code
	Client  *domain.Client
}

// LoadJobGraph loads the calcjob, code and client rows behind a process.
func (s *Storage) LoadJobGraph(ctx context.Context, proc *domain.Process) (*JobGraph, error) {
	calc, err := GetRow[*domain.CalcJob](ctx, s, proc.CalcJobPk)
	if err != nil {
		return nil, err
	}
	code, err := GetRow[*domain.Code](ctx, s, calc.CodePk)
	if err != nil {
		return nil, err
	}
	client, err := GetRow[*domain.Client](ctx, s, code.ClientPk)
	if err != nil {
		return nil, err
	}
	return &JobGraph{Process: proc, Calc: calc, Code: code, Client: client}, nil
}
