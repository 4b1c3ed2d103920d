package copytable

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DBAPICopyDataSource adapts any registered database/sql driver. It replaces
// the hosted scripting driver of the original tool with the native driver
// registry; the connection string selects the driver: <driver>:<dsn>.
// A sqlite driver ships in the binary so file-backed sources work out of the
// box.
type DBAPICopyDataSource struct {
	sourceLimits

	driver  string
	dsn     string
	charset string
	db      *sql.DB
}

func NewDBAPICopyDataSource(connstring, password string, forceUTF8 bool) (*DBAPICopyDataSource, error) {
	colon := strings.Index(connstring, ":")
	if colon <= 0 {
		return nil, TaskErrorf(InvocationError,
			"invalid driver connection string %q, must be <driver>:<dsn>", connstring)
	}
	driver := connstring[:colon]
	dsn := connstring[colon+1:]
	if !driverRegistered(driver) {
		return nil, TaskErrorf(InvocationError,
			"database driver %q is not linked into this binary (have: %s)",
			driver, strings.Join(sql.Drivers(), ", "))
	}
	if password != "" {
		dsn = strings.ReplaceAll(dsn, "{password}", password)
	}
	s := &DBAPICopyDataSource{driver: driver, dsn: dsn, charset: connstringCharset(dsn)}
	s.cfg.ForceUTF8 = forceUTF8
	return s, nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (s *DBAPICopyDataSource) Connect(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return NewTaskError(ConnectError, errors.WithStack(err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return NewTaskError(ConnectError, errors.Wrapf(err, "could not connect via driver %s", s.driver))
	}
	s.db = db
	return nil
}

func (s *DBAPICopyDataSource) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.WithStack(err)
}

// quote returns identifiers quoted for the hosted driver's dialect. ANSI
// double quotes cover sqlite and the common servers reachable this way.
func (s *DBAPICopyDataSource) quote(name string) string {
	return quoteANSI(name)
}

// qualify skips the schema part when the driver has no schema concept, as
// sqlite does for its main database.
func (s *DBAPICopyDataSource) qualify(schema, table string) (string, string) {
	if s.driver == "sqlite" && (schema == "" || schema == "main") {
		return "", table
	}
	return schema, table
}

func (s *DBAPICopyDataSource) CountRows(ctx context.Context, schema, table string, spec CopySpec) (uint64, error) {
	if err := s.Connect(ctx); err != nil {
		return 0, err
	}
	schema, table = s.qualify(schema, table)
	query, args, err := buildCountQuery(schema, table, "*", spec, s.quote)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var count uint64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, NewTaskError(DriverError, errors.Wrapf(err, "could not count %s", table))
	}
	return clampCount(count, spec), nil
}

func (s *DBAPICopyDataSource) OpenCursor(ctx context.Context, schema, table, selectExpr string, spec CopySpec) (Cursor, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	schema, table = s.qualify(schema, table)
	query, args, err := buildSelectQuery(schema, table, selectExpr, spec, s.quote)
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
		return nil, NewTaskError(DriverError, errors.Wrapf(err, "could not open cursor on %s", table))
	}
	return newSQLCursor(schema, table, s.cfg, conn, rows, s.charset)
}
