package copytable

import (
	"database/sql"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// sqlCursor adapts a database/sql result to the Cursor interface. It backs
// both the ODBC and the generic driver adapters: database/sql result sets
// are forward-only and fetched row by row, which is exactly the streaming
// contract the workers need.
type sqlCursor struct {
	schema  string
	table   string
	cfg     SourceConfig
	rows    *sql.Rows
	conn    *sql.Conn
	columns []ColumnInfo
	holders []interface{}
}

func newSQLCursor(schema, table string, cfg SourceConfig, conn *sql.Conn, rows *sql.Rows, charset string) (*sqlCursor, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, NewTaskError(DriverError, errors.WithStack(err))
	}
	columns := make([]ColumnInfo, len(types))
	for i, ct := range types {
		columns[i] = classifySQLType(ct, i)
		// Wide types arrive already decoded by the driver; narrow character
		// columns carry the connection's reported charset.
		if columns[i].Family == FamilyChars && !isWideCharType(columns[i].SourceType) {
			columns[i].Charset = charset
		}
	}
	holders := make([]interface{}, len(types))
	for i := range holders {
		holders[i] = new(interface{})
	}
	return &sqlCursor{
		schema:  schema,
		table:   table,
		cfg:     cfg,
		rows:    rows,
		conn:    conn,
		columns: columns,
		holders: holders,
	}, nil
}

func (c *sqlCursor) Columns() []ColumnInfo {
	return c.columns
}

func (c *sqlCursor) Next() (Row, bool, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, false, NewTaskError(DriverError, errors.WithStack(err))
		}
		return nil, false, nil
	}
	if err := c.rows.Scan(c.holders...); err != nil {
		return nil, false, NewTaskError(DriverError, errors.WithStack(err))
	}
	row := make(Row, len(c.holders))
	for i, h := range c.holders {
		value := *(h.(*interface{}))
		converted, err := c.convertValue(value, i)
		if err != nil {
			return nil, false, err
		}
		row[i] = converted
	}
	return row, true, nil
}

func (c *sqlCursor) convertValue(value interface{}, column int) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	col := c.columns[column]
	switch v := value.(type) {
	case []byte:
		data := append([]byte(nil), v...)
		if col.Family.IsLob() {
			data, err := applyLobPolicy(data, col, c.schema, c.table, c.cfg)
			if err != nil {
				return nil, err
			}
			return wrapLob(data, column, c.cfg), nil
		}
		return data, nil
	case string:
		if col.Family.IsLob() {
			data, err := applyLobPolicy([]byte(v), col, c.schema, c.table, c.cfg)
			if err != nil {
				return nil, err
			}
			return wrapLob(data, column, c.cfg), nil
		}
		return v, nil
	case int64, float64, bool, time.Time:
		return v, nil
	}
	return value, nil
}

func (c *sqlCursor) ReadLobChunk(handle *LobHandle, offset, maxSize int64) (LobChunk, error) {
	return readLobChunk(handle, offset, maxSize, c.cfg.MaxBlobChunkSize)
}

func (c *sqlCursor) Close() error {
	err := c.rows.Close()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return errors.WithStack(err)
}

// classifySQLType folds a database/sql column descriptor into the nine
// families, working from the driver-reported type name with the scan type
// as fallback.
func classifySQLType(ct *sql.ColumnType, ordinal int) ColumnInfo {
	name := strings.ToUpper(ct.DatabaseTypeName())
	info := ColumnInfo{
		Ordinal:    ordinal,
		Name:       ct.Name(),
		SourceType: name,
		Family:     familyOfTypeName(name),
	}
	if length, ok := ct.Length(); ok {
		info.Length = length
	}
	if precision, scale, ok := ct.DecimalSize(); ok {
		info.Precision = int(precision)
		info.Scale = int(scale)
	}
	if nullable, ok := ct.Nullable(); ok {
		info.Nullable = nullable
	} else {
		info.Nullable = true
	}
	if name == "" {
		info.Family = familyOfScanType(ct.ScanType())
	}
	return info
}

func familyOfTypeName(name string) ColumnFamily {
	switch {
	case strings.Contains(name, "UNSIGNED"):
		return FamilyUnsignedInteger
	case name == "BIT", strings.Contains(name, "BOOL"),
		strings.Contains(name, "SERIAL"), strings.Contains(name, "INT"):
		return FamilySignedInteger
	case strings.Contains(name, "DEC"), strings.Contains(name, "NUMERIC"),
		strings.Contains(name, "MONEY"):
		return FamilyDecimal
	case strings.Contains(name, "FLOAT"), strings.Contains(name, "DOUBLE"),
		strings.Contains(name, "REAL"):
		return FamilyFloat
	case strings.Contains(name, "TIMESTAMP"), strings.Contains(name, "DATETIME"):
		return FamilyTimestamp
	case name == "DATE", name == "SQL_DATE", name == "SQL_TYPE_DATE":
		return FamilyDate
	case name == "TIME", name == "SQL_TIME", name == "SQL_TYPE_TIME":
		return FamilyTime
	case strings.Contains(name, "BINARY"), strings.Contains(name, "BLOB"),
		strings.Contains(name, "IMAGE"), strings.Contains(name, "BYTEA"),
		strings.Contains(name, "RAW"):
		return FamilyBytes
	default:
		return FamilyChars
	}
}

// isWideCharType reports whether a driver type name is a wide (UTF-16 side)
// character type, which the driver hands over already decoded.
func isWideCharType(name string) bool {
	switch name {
	case "NCHAR", "NVARCHAR", "NTEXT":
		return true
	}
	return strings.Contains(name, "WCHAR") ||
		strings.Contains(name, "WVARCHAR") ||
		strings.Contains(name, "WLONGVARCHAR")
}

// connstringCharset pulls a charset attribute out of an opaque connection
// string or DSN (";CHARSET=latin1", "?charset=latin1"). Empty means the
// connection delivers UTF-8.
func connstringCharset(connstring string) string {
	parts := strings.FieldsFunc(connstring, func(r rune) bool {
		return r == ';' || r == '?' || r == '&'
	})
	for _, part := range parts {
		eq := strings.Index(part, "=")
		if eq <= 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(part[:eq]), "charset") {
			return strings.TrimSpace(part[eq+1:])
		}
	}
	return ""
}

func familyOfScanType(t reflect.Type) ColumnFamily {
	if t == nil {
		return FamilyChars
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Bool:
		return FamilySignedInteger
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FamilyUnsignedInteger
	case reflect.Float32, reflect.Float64:
		return FamilyFloat
	case reflect.Slice:
		return FamilyBytes
	}
	if t == reflect.TypeOf(time.Time{}) {
		return FamilyTimestamp
	}
	return FamilyChars
}
