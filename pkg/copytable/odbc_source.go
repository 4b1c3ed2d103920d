package copytable

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "github.com/alexbrainman/odbc"
	"github.com/pkg/errors"
)

// ODBCEnv is the process-wide ODBC environment. The driver allocates a
// single ODBC3 environment handle behind database/sql; pools are shared per
// connection string while every cursor checks out its own connection and
// statement handles.
type ODBCEnv struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewODBCEnv() *ODBCEnv {
	return &ODBCEnv{dbs: make(map[string]*sql.DB)}
}

func (e *ODBCEnv) open(connstring string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[connstring]; ok {
		return db, nil
	}
	db, err := sql.Open("odbc", connstring)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.dbs[connstring] = db
	return db, nil
}

// Close tears the environment down at process exit.
func (e *ODBCEnv) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for dsn, db := range e.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing ODBC pool for %s", dsn)
		}
		delete(e.dbs, dsn)
	}
	return firstErr
}

// ODBCCopyDataSource reads through an ODBC driver. The connection string is
// passed through opaquely; a password provided separately is appended as the
// PWD attribute.
type ODBCCopyDataSource struct {
	sourceLimits

	env        *ODBCEnv
	connstring string
	charset    string
	db         *sql.DB
}

func NewODBCCopyDataSource(env *ODBCEnv, connstring, password string, forceUTF8 bool) *ODBCCopyDataSource {
	if password != "" && !strings.Contains(strings.ToUpper(connstring), "PWD=") {
		connstring = strings.TrimRight(connstring, ";") + ";PWD=" + password
	}
	s := &ODBCCopyDataSource{
		env:        env,
		connstring: connstring,
		charset:    connstringCharset(connstring),
	}
	s.cfg.ForceUTF8 = forceUTF8
	return s
}

func (s *ODBCCopyDataSource) Connect(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := s.env.open(s.connstring)
	if err != nil {
		return NewTaskError(ConnectError, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return NewTaskError(ConnectError, errors.Wrap(err, "could not connect to ODBC source"))
	}
	s.db = db
	return nil
}

// Close releases this adapter's reference. The shared environment owns the
// pools and is closed by the orchestrator.
func (s *ODBCCopyDataSource) Close() error {
	s.db = nil
	return nil
}

func (s *ODBCCopyDataSource) CountRows(ctx context.Context, schema, table string, spec CopySpec) (uint64, error) {
	if err := s.Connect(ctx); err != nil {
		return 0, err
	}
	query, args, err := buildCountQuery(schema, table, "*", spec, quoteANSI)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var count uint64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, NewTaskError(DriverError, errors.Wrapf(err, "could not count %s", qualifiedName(schema, table)))
	}
	return clampCount(count, spec), nil
}

func (s *ODBCCopyDataSource) OpenCursor(ctx context.Context, schema, table, selectExpr string, spec CopySpec) (Cursor, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	query, args, err := buildSelectQuery(schema, table, selectExpr, spec, quoteANSI)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, NewTaskError(ConnectError, errors.WithStack(err))
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		conn.Close()
		return nil, NewTaskError(DriverError, errors.Wrapf(err, "could not open cursor on %s", qualifiedName(schema, table)))
	}
	return newSQLCursor(schema, table, s.cfg, conn, rows, s.charset)
}
