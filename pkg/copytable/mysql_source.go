package copytable

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MySQLCopyDataSource streams rows off the native protocol one at a time.
// Each instance owns one connection; a worker owns one instance.
type MySQLCopyDataSource struct {
	sourceLimits

	endpoint MySQLEndpoint
	conn     *client.Conn
}

func NewMySQLCopyDataSource(endpoint MySQLEndpoint, forceUTF8 bool) *MySQLCopyDataSource {
	s := &MySQLCopyDataSource{endpoint: endpoint}
	s.cfg.ForceUTF8 = forceUTF8
	return s
}

func (s *MySQLCopyDataSource) Connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := client.Connect(s.endpoint.Address(), s.endpoint.User, s.endpoint.Password, "")
	if err != nil {
		return NewTaskError(ConnectError, errors.Wrapf(err, "could not connect to MySQL source %s", s.endpoint.Address()))
	}
	// Row payloads come back as the raw column bytes; transcoding is the
	// type mapper's job.
	if _, err := conn.Execute("SET NAMES binary"); err != nil {
		conn.Close()
		return NewTaskError(ConnectError, errors.WithStack(err))
	}
	s.conn = conn
	return nil
}

func (s *MySQLCopyDataSource) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return errors.WithStack(err)
}

func (s *MySQLCopyDataSource) CountRows(ctx context.Context, schema, table string, spec CopySpec) (uint64, error) {
	if err := s.Connect(ctx); err != nil {
		return 0, err
	}
	query, args, err := buildCountQuery(schema, table, "*", spec, quoteMySQL)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	result, err := s.conn.Execute(query, args...)
	if err != nil {
		return 0, NewTaskError(DriverError, errors.Wrapf(err, "could not count %s", qualifiedName(schema, table)))
	}
	n, err := result.GetInt(0, 0)
	if err != nil {
		return 0, NewTaskError(DriverError, errors.WithStack(err))
	}
	return clampCount(uint64(n), spec), nil
}

// OpenCursor starts a streaming select. Column metadata is delivered by the
// protocol before the first row; per-column charsets come from
// information_schema since the wire only carries collation ids.
func (s *MySQLCopyDataSource) OpenCursor(ctx context.Context, schema, table, selectExpr string, spec CopySpec) (Cursor, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	charsets, err := s.columnCharsets(schema, table)
	if err != nil {
		return nil, err
	}
	query, args, err := buildSelectQuery(schema, table, selectExpr, spec, quoteMySQL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// The streaming entry point takes no bind parameters; the only
	// placeholders we generate are integer range bounds.
	query, err = interpolateIntArgs(query, args)
	if err != nil {
		return nil, err
	}

	cur := &mysqlCursor{
		src:      s,
		schema:   schema,
		table:    table,
		charsets: charsets,
		rows:     make(chan Row, 1),
		ready:    make(chan struct{}),
		quit:     make(chan struct{}),
		result:   make(chan error, 1),
	}
	go cur.stream(query)
	if err := cur.waitReady(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *MySQLCopyDataSource) columnCharsets(schema, table string) (map[string]string, error) {
	result, err := s.conn.Execute(
		"SELECT COLUMN_NAME, IFNULL(CHARACTER_SET_NAME, '') FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?",
		schema, table)
	if err != nil {
		return nil, NewTaskError(DriverError, errors.Wrapf(err, "could not read column charsets of %s", qualifiedName(schema, table)))
	}
	charsets := make(map[string]string)
	for i := 0; i < result.RowNumber(); i++ {
		name, err := result.GetString(i, 0)
		if err != nil {
			return nil, NewTaskError(DriverError, errors.WithStack(err))
		}
		charset, err := result.GetString(i, 1)
		if err != nil {
			return nil, NewTaskError(DriverError, errors.WithStack(err))
		}
		charsets[name] = charset
	}
	return charsets, nil
}

// reset drops the connection after an interrupted stream; the protocol state
// is unusable at that point and the next call reconnects.
func (s *MySQLCopyDataSource) reset() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

var errCursorClosed = errors.New("cursor closed")

type mysqlCursor struct {
	src      *MySQLCopyDataSource
	schema   string
	table    string
	charsets map[string]string

	columns []ColumnInfo
	rows    chan Row
	ready   chan struct{}
	quit    chan struct{}
	result  chan error

	finished bool
	closed   bool
}

func (c *mysqlCursor) stream(query string) {
	var res mysql.Result
	err := c.src.conn.ExecuteSelectStreaming(query, &res,
		func(row []mysql.FieldValue) error {
			converted, err := c.convertRow(row)
			if err != nil {
				return err
			}
			select {
			case c.rows <- converted:
				return nil
			case <-c.quit:
				return errCursorClosed
			}
		},
		func(result *mysql.Result) error {
			c.columns = c.columnsFromFields(result.Fields)
			close(c.ready)
			return nil
		})
	if err != nil && c.columns == nil {
		// The query failed before any metadata arrived.
		close(c.ready)
	}
	close(c.rows)
	c.result <- err
}

func (c *mysqlCursor) waitReady() error {
	<-c.ready
	if c.columns != nil {
		return nil
	}
	err := <-c.result
	return NewTaskError(DriverError, errors.Wrapf(err, "could not open cursor on %s", qualifiedName(c.schema, c.table)))
}

func (c *mysqlCursor) columnsFromFields(fields []*mysql.Field) []ColumnInfo {
	columns := make([]ColumnInfo, len(fields))
	for i, f := range fields {
		name := string(f.Name)
		columns[i] = ColumnInfo{
			Ordinal:    i,
			Name:       name,
			SourceType: mysqlTypeName(f.Type),
			Family:     familyOfMySQLField(f),
			Length:     int64(f.ColumnLength),
			Scale:      int(f.Decimal),
			Nullable:   f.Flag&mysql.NOT_NULL_FLAG == 0,
			Charset:    c.charsets[name],
		}
	}
	return columns
}

func (c *mysqlCursor) Columns() []ColumnInfo {
	return c.columns
}

func (c *mysqlCursor) Next() (Row, bool, error) {
	row, more := <-c.rows
	if more {
		return row, true, nil
	}
	if !c.finished {
		c.finished = true
		if err := <-c.result; err != nil {
			c.src.reset()
			return nil, false, NewTaskError(DriverError, errors.WithStack(err))
		}
	}
	return nil, false, nil
}

func (c *mysqlCursor) convertRow(values []mysql.FieldValue) (Row, error) {
	row := make(Row, len(values))
	for i, v := range values {
		switch v.Type {
		case mysql.FieldValueTypeNull:
			row[i] = nil
		case mysql.FieldValueTypeSigned:
			row[i] = v.AsInt64()
		case mysql.FieldValueTypeUnsigned:
			row[i] = v.AsUint64()
		case mysql.FieldValueTypeFloat:
			row[i] = v.AsFloat64()
		case mysql.FieldValueTypeString:
			// The driver reuses its buffers between rows.
			data := append([]byte(nil), v.AsString()...)
			col := c.columns[i]
			if col.Family.IsLob() {
				data, err := applyLobPolicy(data, col, c.schema, c.table, c.src.cfg)
				if err != nil {
					return nil, err
				}
				row[i] = wrapLob(data, i, c.src.cfg)
			} else {
				row[i] = data
			}
		}
	}
	return row, nil
}

func (c *mysqlCursor) ReadLobChunk(handle *LobHandle, offset, maxSize int64) (LobChunk, error) {
	return readLobChunk(handle, offset, maxSize, c.src.cfg.MaxBlobChunkSize)
}

func (c *mysqlCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.quit)
	// Drain so the streaming goroutine can finish.
	interrupted := false
	for range c.rows {
		interrupted = true
	}
	if !c.finished {
		c.finished = true
		err := <-c.result
		if err != nil && errors.Cause(err) != errCursorClosed {
			log.WithField("table", qualifiedName(c.schema, c.table)).
				WithError(err).Debug("cursor close after stream error")
		}
		if err != nil {
			interrupted = true
		}
	}
	if interrupted {
		c.src.reset()
	}
	return nil
}

// interpolateIntArgs splices integer bind values into the '?' placeholders
// of a rendered query. Only int64 range bounds ever reach this path.
func interpolateIntArgs(query string, args []interface{}) (string, error) {
	if len(args) == 0 {
		return query, nil
	}
	var b strings.Builder
	argi := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		if argi >= len(args) {
			return "", errors.Errorf("placeholder count mismatch in %q", query)
		}
		n, ok := args[argi].(int64)
		if !ok {
			return "", errors.Errorf("unexpected non-integer bind value %T", args[argi])
		}
		b.WriteString(fmt.Sprintf("%d", n))
		argi++
	}
	if argi != len(args) {
		return "", errors.Errorf("placeholder count mismatch in %q", query)
	}
	return b.String(), nil
}

func familyOfMySQLField(f *mysql.Field) ColumnFamily {
	unsigned := f.Flag&mysql.UNSIGNED_FLAG != 0
	switch f.Type {
	case mysql.MYSQL_TYPE_TINY, mysql.MYSQL_TYPE_SHORT, mysql.MYSQL_TYPE_INT24,
		mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_LONGLONG, mysql.MYSQL_TYPE_YEAR,
		mysql.MYSQL_TYPE_BIT:
		if unsigned || f.Type == mysql.MYSQL_TYPE_BIT {
			return FamilyUnsignedInteger
		}
		return FamilySignedInteger
	case mysql.MYSQL_TYPE_DECIMAL, mysql.MYSQL_TYPE_NEWDECIMAL:
		return FamilyDecimal
	case mysql.MYSQL_TYPE_FLOAT, mysql.MYSQL_TYPE_DOUBLE:
		return FamilyFloat
	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_NEWDATE:
		return FamilyDate
	case mysql.MYSQL_TYPE_TIME:
		return FamilyTime
	case mysql.MYSQL_TYPE_DATETIME, mysql.MYSQL_TYPE_TIMESTAMP:
		return FamilyTimestamp
	case mysql.MYSQL_TYPE_BLOB, mysql.MYSQL_TYPE_TINY_BLOB,
		mysql.MYSQL_TYPE_MEDIUM_BLOB, mysql.MYSQL_TYPE_LONG_BLOB,
		mysql.MYSQL_TYPE_STRING, mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_VARCHAR,
		mysql.MYSQL_TYPE_GEOMETRY:
		// Collation 63 is the binary pseudo-charset: BLOB vs TEXT and
		// BINARY vs CHAR share type codes on the wire.
		if f.Charset == 63 {
			return FamilyBytes
		}
		return FamilyChars
	case mysql.MYSQL_TYPE_ENUM, mysql.MYSQL_TYPE_SET, mysql.MYSQL_TYPE_JSON:
		return FamilyChars
	}
	return FamilyChars
}

func mysqlTypeName(t uint8) string {
	switch t {
	case mysql.MYSQL_TYPE_TINY:
		return "TINYINT"
	case mysql.MYSQL_TYPE_SHORT:
		return "SMALLINT"
	case mysql.MYSQL_TYPE_INT24:
		return "MEDIUMINT"
	case mysql.MYSQL_TYPE_LONG:
		return "INT"
	case mysql.MYSQL_TYPE_LONGLONG:
		return "BIGINT"
	case mysql.MYSQL_TYPE_YEAR:
		return "YEAR"
	case mysql.MYSQL_TYPE_BIT:
		return "BIT"
	case mysql.MYSQL_TYPE_DECIMAL, mysql.MYSQL_TYPE_NEWDECIMAL:
		return "DECIMAL"
	case mysql.MYSQL_TYPE_FLOAT:
		return "FLOAT"
	case mysql.MYSQL_TYPE_DOUBLE:
		return "DOUBLE"
	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_NEWDATE:
		return "DATE"
	case mysql.MYSQL_TYPE_TIME:
		return "TIME"
	case mysql.MYSQL_TYPE_DATETIME:
		return "DATETIME"
	case mysql.MYSQL_TYPE_TIMESTAMP:
		return "TIMESTAMP"
	case mysql.MYSQL_TYPE_BLOB:
		return "BLOB"
	case mysql.MYSQL_TYPE_TINY_BLOB:
		return "TINYBLOB"
	case mysql.MYSQL_TYPE_MEDIUM_BLOB:
		return "MEDIUMBLOB"
	case mysql.MYSQL_TYPE_LONG_BLOB:
		return "LONGBLOB"
	case mysql.MYSQL_TYPE_STRING:
		return "CHAR"
	case mysql.MYSQL_TYPE_VAR_STRING, mysql.MYSQL_TYPE_VARCHAR:
		return "VARCHAR"
	case mysql.MYSQL_TYPE_ENUM:
		return "ENUM"
	case mysql.MYSQL_TYPE_SET:
		return "SET"
	case mysql.MYSQL_TYPE_JSON:
		return "JSON"
	case mysql.MYSQL_TYPE_GEOMETRY:
		return "GEOMETRY"
	}
	return fmt.Sprintf("TYPE(%d)", t)
}
