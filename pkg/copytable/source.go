package copytable

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// ColumnFamily is the normalised type family of a source column. Every
// adapter classifies its native descriptors into these nine families; the
// type mapper only ever sees families.
type ColumnFamily int

const (
	FamilySignedInteger ColumnFamily = iota
	FamilyUnsignedInteger
	FamilyDecimal
	FamilyFloat
	FamilyDate
	FamilyTime
	FamilyTimestamp
	FamilyBytes
	FamilyChars
)

func (f ColumnFamily) String() string {
	switch f {
	case FamilySignedInteger:
		return "signed"
	case FamilyUnsignedInteger:
		return "unsigned"
	case FamilyDecimal:
		return "decimal"
	case FamilyFloat:
		return "float"
	case FamilyDate:
		return "date"
	case FamilyTime:
		return "time"
	case FamilyTimestamp:
		return "timestamp"
	case FamilyBytes:
		return "bytes"
	default:
		return "chars"
	}
}

// IsLob reports whether values of this family can exceed the parameter limit
// and may need chunked transfer.
func (f ColumnFamily) IsLob() bool {
	return f == FamilyBytes || f == FamilyChars
}

// ColumnInfo describes one source column as seen by the cursor.
type ColumnInfo struct {
	Ordinal    int
	Name       string
	SourceType string
	Family     ColumnFamily
	Length     int64
	Precision  int
	Scale      int
	Nullable   bool
	// Charset is the column character set reported by the source, empty when
	// unknown or not applicable.
	Charset string
}

// Row is one fetched row; slots align with the cursor's ColumnInfo. LOB
// columns hold a *LobHandle when the value is larger than packetSizeMargin
// times the blob chunk size, otherwise the in-memory value.
type Row []interface{}

// LobHandle marks a large value that must be pulled through ReadLobChunk.
type LobHandle struct {
	Column int
	Size   int64
	data   []byte
}

// LobChunk is one bounded slice of a large value. Last is set on the final
// (possibly empty) chunk.
type LobChunk struct {
	Data []byte
	Last bool
}

// SourceConfig carries the limits applied to every adapter before a cursor
// is opened.
type SourceConfig struct {
	MaxBlobChunkSize      int64
	MaxParameterSize      int64
	AbortOnOversizedBlobs bool
	ForceUTF8             bool
}

// Cursor is a forward-only streaming handle over one source query result.
type Cursor interface {
	Columns() []ColumnInfo
	// Next returns the next row; ok is false at end of stream.
	Next() (row Row, ok bool, err error)
	// ReadLobChunk streams a large value previously surfaced as a *LobHandle.
	ReadLobChunk(handle *LobHandle, offset int64, maxSize int64) (LobChunk, error)
	Close() error
}

// CopyDataSource is the capability set shared by the MySQL, ODBC and generic
// driver adapters.
type CopyDataSource interface {
	Connect(ctx context.Context) error
	CountRows(ctx context.Context, schema, table string, spec CopySpec) (uint64, error)
	OpenCursor(ctx context.Context, schema, table, selectExpr string, spec CopySpec) (Cursor, error)
	Close() error

	SetMaxBlobChunkSize(size int64)
	SetMaxParameterSize(size int64)
	SetAbortOnOversizedBlobs(abort bool)
}

// sourceLimits is the embeddable implementation of the three setters.
type sourceLimits struct {
	cfg SourceConfig
}

func (s *sourceLimits) SetMaxBlobChunkSize(size int64) {
	s.cfg.MaxBlobChunkSize = size
}

func (s *sourceLimits) SetMaxParameterSize(size int64) {
	s.cfg.MaxParameterSize = size
}

func (s *sourceLimits) SetAbortOnOversizedBlobs(abort bool) {
	s.cfg.AbortOnOversizedBlobs = abort
}

// truncatedLobSize is the size an oversized value is cut down to. The
// parameter limit often equals the packet size (MySQL 8 aliases
// max_long_data_size to max_allowed_packet), so the truncated value keeps
// the same margin the writer's packet budget does — a value cut to the full
// limit could never be sent.
func truncatedLobSize(cfg SourceConfig) int64 {
	return int64(float64(cfg.MaxParameterSize) * packetSizeMargin)
}

// applyLobPolicy enforces the parameter limit on a fetched value: abort with
// OversizedBlobError or truncate with a warning.
func applyLobPolicy(value []byte, col ColumnInfo, schema, table string, cfg SourceConfig) ([]byte, error) {
	if cfg.MaxParameterSize <= 0 || int64(len(value)) <= cfg.MaxParameterSize {
		return value, nil
	}
	if cfg.AbortOnOversizedBlobs {
		return nil, TaskErrorf(OversizedBlobError,
			"value of %s.%s.%s is %s, over the %s parameter limit",
			schema, table, col.Name,
			humanize.IBytes(uint64(len(value))), humanize.IBytes(uint64(cfg.MaxParameterSize)))
	}
	truncated := truncatedLobSize(cfg)
	log.WithField("table", schema+"."+table).
		WithField("column", col.Name).
		Warnf("truncating oversized value from %s to %s",
			humanize.IBytes(uint64(len(value))), humanize.IBytes(uint64(truncated)))
	return value[:truncated], nil
}

// wrapLob decides between inline transfer and a chunk-streamed handle for a
// byte value that already passed the lob policy. The threshold sits below
// the chunk size by the packet margin so a value near the packet ceiling
// still travels chunked with framing headroom.
func wrapLob(value []byte, column int, cfg SourceConfig) interface{} {
	if cfg.MaxBlobChunkSize > 0 &&
		int64(len(value)) > int64(float64(cfg.MaxBlobChunkSize)*packetSizeMargin) {
		return &LobHandle{Column: column, Size: int64(len(value)), data: value}
	}
	return value
}

// readLobChunk is the shared in-memory chunker: adapters hold complete
// values once fetched and hand them out in bounded slices.
func readLobChunk(handle *LobHandle, offset, maxSize int64, limit int64) (LobChunk, error) {
	if handle == nil {
		return LobChunk{}, TaskErrorf(DriverError, "nil lob handle")
	}
	if limit > 0 && maxSize > limit {
		maxSize = limit
	}
	if offset >= int64(len(handle.data)) {
		return LobChunk{Last: true}, nil
	}
	end := offset + maxSize
	if end >= int64(len(handle.data)) {
		return LobChunk{Data: handle.data[offset:], Last: true}, nil
	}
	return LobChunk{Data: handle.data[offset:end]}, nil
}

// splitSelectExpression separates the projection from an optional trailing
// WHERE filter in a task's select expression.
func splitSelectExpression(expr string) (projection, filter string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "*", ""
	}
	upper := strings.ToUpper(expr)
	if idx := strings.Index(upper, " WHERE "); idx >= 0 {
		return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(" WHERE "):])
	}
	return expr, ""
}

// buildSelectQuery renders the streaming select for a task, appending the
// range predicate or row limit the spec asks for and AND-ing any
// caller-supplied filter. quote quotes one identifier for the dialect.
func buildSelectQuery(schema, table, selectExpr string, spec CopySpec, quote func(string) string) (string, []interface{}, error) {
	projection, filter := splitSelectExpression(selectExpr)
	builder := sq.Select(projection).From(fromClause(schema, table, quote))
	if filter != "" {
		builder = builder.Where(filter)
	}
	switch spec.Type {
	case CopyRange:
		if spec.RangeStart >= 0 {
			builder = builder.Where(sq.GtOrEq{quote(spec.RangeKey): spec.RangeStart})
		}
		if spec.RangeEnd >= 0 {
			builder = builder.Where(sq.LtOrEq{quote(spec.RangeKey): spec.RangeEnd})
		}
	case CopyCount:
		builder = builder.Limit(uint64(spec.RowCount))
	}
	return builder.ToSql()
}

// buildCountQuery renders the count matching buildSelectQuery. The select
// expression's filter participates, the projection does not.
func buildCountQuery(schema, table, selectExpr string, spec CopySpec, quote func(string) string) (string, []interface{}, error) {
	_, filter := splitSelectExpression(selectExpr)
	builder := sq.Select("COUNT(*)").From(fromClause(schema, table, quote))
	if filter != "" {
		builder = builder.Where(filter)
	}
	if spec.Type == CopyRange {
		if spec.RangeStart >= 0 {
			builder = builder.Where(sq.GtOrEq{quote(spec.RangeKey): spec.RangeStart})
		}
		if spec.RangeEnd >= 0 {
			builder = builder.Where(sq.LtOrEq{quote(spec.RangeKey): spec.RangeEnd})
		}
	}
	return builder.ToSql()
}

// clampCount applies the CopyCount ceiling to an actual row count.
func clampCount(count uint64, spec CopySpec) uint64 {
	if spec.Type == CopyCount && uint64(spec.RowCount) < count {
		return uint64(spec.RowCount)
	}
	return count
}

// fromClause qualifies the table with its schema when one applies.
func fromClause(schema, table string, quote func(string) string) string {
	if schema == "" {
		return quote(table)
	}
	return quote(schema) + "." + quote(table)
}

func quoteMySQL(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteANSI(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualifiedName(schema, table string) string {
	return fmt.Sprintf("%s.%s", schema, table)
}
