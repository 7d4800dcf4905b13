// Package sqlexec runs ad-hoc SQL against a SQL Server instance.
//
// Each call opens its own connection, prepares the text, executes it and
// reports the first result the server produced: the first cell of a result
// set, or a row count. Nothing is pooled between calls.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/golang-sql/sqlexp"
	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver
	"go.uber.org/zap"
)

// DefaultDriver is the go-mssqldb driver name.
const DefaultDriver = "sqlserver"

// ErrDriverUnavailable is returned when the SQL driver is not registered.
var ErrDriverUnavailable = errors.New("SQL Server driver not available")

// Executor runs SQL scripts. The zero value is not usable; use NewExecutor.
type Executor struct {
	driverName string
	logger     *zap.Logger
}

// NewExecutor returns an Executor using driverName (DefaultDriver if empty).
func NewExecutor(driverName string, logger *zap.Logger) *Executor {
	if driverName == "" {
		driverName = DefaultDriver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{driverName: driverName, logger: logger.Named("sqlexec")}
}

// ExecuteScript runs script against dsn and returns the first result as a
// string: the first column of the first row of a result set ("" when the set
// is empty or the value is NULL), or the row count when the first result is
// an update. A script producing neither returns "0".
func (e *Executor) ExecuteScript(ctx context.Context, dsn, script string) (string, error) {
	if !slices.Contains(sql.Drivers(), e.driverName) {
		return "", fmt.Errorf("%w: %q", ErrDriverUnavailable, e.driverName)
	}

	db, err := sql.Open(e.driverName, dsn)
	if err != nil {
		return "", fmt.Errorf("execute SQL commands: open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	e.logger.Debug("Opening connection", zap.String("dsn", redactDSN(dsn)))
	conn, err := db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("execute SQL commands: connect: %w", err)
	}
	defer conn.Close()

	e.logger.Debug("Preparing and executing SQL statement", zap.String("sql", script))
	stmt, err := conn.PrepareContext(ctx, script)
	if err != nil {
		return "", fmt.Errorf("execute SQL commands: prepare: %w", err)
	}
	defer stmt.Close()

	retmsg := &sqlexp.ReturnMessage{}
	rows, err := stmt.QueryContext(ctx, retmsg)
	if err != nil {
		return "", fmt.Errorf("execute SQL commands: %w", err)
	}
	defer rows.Close()

	result, err := e.firstResult(ctx, rows, retmsg)
	if err != nil {
		return "", fmt.Errorf("execute SQL commands: %w", err)
	}
	return result, nil
}

// firstResult walks the message stream to the end, keeping the first result
// and the first server error.
func (e *Executor) firstResult(ctx context.Context, rows *sql.Rows, retmsg *sqlexp.ReturnMessage) (string, error) {
	var (
		result   string
		decided  bool
		firstErr error
	)

	for active := true; active; {
		switch m := retmsg.Message(ctx).(type) {
		case sqlexp.MsgNext:
			for rows.Next() {
				if decided {
					continue
				}
				cell, err := scanFirstColumn(rows)
				if err != nil {
					return "", err
				}
				result, decided = cell, true
			}
			if !decided {
				result, decided = "", true
			}
		case sqlexp.MsgRowsAffected:
			if !decided {
				result, decided = strconv.FormatInt(m.Count, 10), true
			}
		case sqlexp.MsgError:
			if firstErr == nil {
				firstErr = m.Error
			}
		case sqlexp.MsgNotice:
			e.logger.Debug("Server notice", zap.Stringer("message", m.Message))
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		}
	}

	if firstErr != nil {
		return "", firstErr
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !decided {
		return "0", nil
	}
	return result, nil
}

func scanFirstColumn(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", nil
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}
	return stringify(values[0]), nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999999")
	default:
		return fmt.Sprint(x)
	}
}
