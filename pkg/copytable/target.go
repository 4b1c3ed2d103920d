package copytable

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	batchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_flushed",
			Help: "How many insert batches were executed, partitioned by table.",
		},
		[]string{"table"},
	)
	bytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bytes_written",
			Help: "Estimated bytes bound into insert batches, partitioned by table.",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(batchesFlushed)
	prometheus.MustRegister(bytesWritten)
}

// erNetPacketTooLarge is the server's refusal of an oversized command packet.
const erNetPacketTooLarge = 1153

// packetSizeMargin keeps batches safely under max_allowed_packet; protocol
// and statement overhead eat into the limit before the bound values do.
const packetSizeMargin = 0.9

const defaultBulkInsertBatchSize = 100

// CopyDataTarget is what a worker needs from the write side. The MySQL
// implementation is the only production one; tests substitute fakes.
type CopyDataTarget interface {
	Connect(ctx context.Context) error
	MaxAllowedPacket() int64
	MaxLongDataSize() int64
	SetBulkInsertBatchSize(n int)
	SetTruncate(truncate bool)

	Prepare(ctx context.Context, schema, table string, columns []ColumnInfo) error
	AppendRow(ctx context.Context, row []interface{}) error
	AppendLobChunk(ctx context.Context, column int, chunk LobChunk) error
	Flush(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// OpenTargetDB opens the shared pool for the MySQL target. Workers check
// dedicated connections out of it so no two workers share a session.
func OpenTargetDB(endpoint MySQLEndpoint, appName string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = endpoint.User
	cfg.Passwd = endpoint.Password
	if endpoint.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = endpoint.Socket
	} else {
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port)
	}
	cfg.InterpolateParams = false
	cfg.ParseTime = true
	cfg.MaxAllowedPacket = 0 // take the server's value
	cfg.Params = map[string]string{
		"charset": "utf8mb4",
	}
	if appName != "" {
		log.WithField("task", "target").Debugf("connecting as %s", appName)
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, NewTaskError(ConnectError, errors.WithStack(err))
	}
	return db, nil
}

// MySQLCopyDataTarget drives one session against the target server: bulk
// multi-row inserts bounded by max_allowed_packet, one transaction per task.
type MySQLCopyDataTarget struct {
	db   *sql.DB
	conn *sql.Conn

	maxAllowedPacket int64
	maxLongDataSize  int64
	batchSize        int
	truncate         bool

	schema     string
	table      string
	columns    []ColumnInfo
	columnList string

	fullStmt     *sql.Stmt
	fullStmtSize int

	pending      [][]interface{}
	pendingBytes int64
	truncated    bool
}

func NewMySQLCopyDataTarget(db *sql.DB) *MySQLCopyDataTarget {
	return &MySQLCopyDataTarget{
		db:        db,
		batchSize: defaultBulkInsertBatchSize,
	}
}

// Connect checks a session out of the pool, reads the server limits and
// arranges the session for bulk loading: UTF-8, no FK or unique checks, no
// autocommit.
func (t *MySQLCopyDataTarget) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	var conn *sql.Conn
	err := Retry(ctx, 3, 30*time.Second, func(ctx context.Context) error {
		var err error
		conn, err = t.db.Conn(ctx)
		if err != nil {
			return err
		}
		return conn.PingContext(ctx)
	})
	if err != nil {
		return NewTaskError(ConnectError, errors.Wrap(err, "could not connect to target"))
	}

	if err := conn.QueryRowContext(ctx, "SELECT @@max_allowed_packet").Scan(&t.maxAllowedPacket); err != nil {
		conn.Close()
		return NewTaskError(ConnectError, errors.WithStack(err))
	}
	// max_long_data_size is gone from MySQL 8; fall back to the packet size
	// like the server itself does.
	if err := conn.QueryRowContext(ctx, "SELECT @@max_long_data_size").Scan(&t.maxLongDataSize); err != nil {
		t.maxLongDataSize = t.maxAllowedPacket
	}

	for _, stmt := range []string{
		"SET NAMES utf8mb4",
		"SET SESSION foreign_key_checks = 0",
		"SET SESSION unique_checks = 0",
		"SET autocommit = 0",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return NewTaskError(ConnectError, errors.Wrapf(err, "could not execute %q", stmt))
		}
	}
	t.conn = conn
	log.WithField("task", "target").
		Debugf("connected, max_allowed_packet=%s max_long_data_size=%s",
			humanize.IBytes(uint64(t.maxAllowedPacket)), humanize.IBytes(uint64(t.maxLongDataSize)))
	return nil
}

func (t *MySQLCopyDataTarget) MaxAllowedPacket() int64 {
	return t.maxAllowedPacket
}

func (t *MySQLCopyDataTarget) MaxLongDataSize() int64 {
	return t.maxLongDataSize
}

func (t *MySQLCopyDataTarget) SetBulkInsertBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	t.batchSize = n
}

func (t *MySQLCopyDataTarget) SetTruncate(truncate bool) {
	t.truncate = truncate
}

// Prepare binds the writer to one target table. Every source column must
// exist in the target table; a missing one is fatal before the first row.
// Target columns the source does not produce are not checked.
func (t *MySQLCopyDataTarget) Prepare(ctx context.Context, schema, table string, columns []ColumnInfo) error {
	if err := t.Connect(ctx); err != nil {
		return err
	}
	if err := t.closeStatement(); err != nil {
		return err
	}
	t.schema = schema
	t.table = table
	t.columns = columns
	t.pending = nil
	t.pendingBytes = 0
	t.truncated = false

	if err := t.checkTargetColumns(ctx); err != nil {
		return err
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteMySQL(c.Name)
	}
	t.columnList = strings.Join(quoted, ",")

	if t.truncate {
		if err := t.truncateTable(ctx); err != nil {
			return err
		}
	}

	stmt, err := t.conn.PrepareContext(ctx, t.insertSQL(t.batchSize))
	if err != nil {
		return NewTaskError(SchemaMismatchError,
			errors.Wrapf(err, "could not prepare insert for %s", qualifiedName(schema, table)))
	}
	t.fullStmt = stmt
	t.fullStmtSize = t.batchSize
	return nil
}

func (t *MySQLCopyDataTarget) checkTargetColumns(ctx context.Context) error {
	rows, err := t.conn.QueryContext(ctx,
		"SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
		t.schema, t.table)
	if err != nil {
		return NewTaskError(DriverError, errors.WithStack(err))
	}
	defer rows.Close()
	targetCols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return NewTaskError(DriverError, errors.WithStack(err))
		}
		targetCols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return NewTaskError(DriverError, errors.WithStack(err))
	}
	if len(targetCols) == 0 {
		return TaskErrorf(SchemaMismatchError, "target table %s does not exist", qualifiedName(t.schema, t.table))
	}
	var missing []string
	for _, c := range t.columns {
		if !targetCols[strings.ToLower(c.Name)] {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return TaskErrorf(SchemaMismatchError, "target table %s is missing columns: %s",
			qualifiedName(t.schema, t.table), strings.Join(missing, ", "))
	}
	return nil
}

func (t *MySQLCopyDataTarget) truncateTable(ctx context.Context) error {
	if t.truncated {
		return nil
	}
	_, err := t.conn.ExecContext(ctx,
		fmt.Sprintf("TRUNCATE TABLE %s.%s", quoteMySQL(t.schema), quoteMySQL(t.table)))
	if err != nil {
		return NewTaskError(DriverError,
			errors.Wrapf(err, "could not truncate %s", qualifiedName(t.schema, t.table)))
	}
	t.truncated = true
	return nil
}

func (t *MySQLCopyDataTarget) insertSQL(batchRows int) string {
	single := "(" + strings.Repeat("?,", len(t.columns)-1) + "?)"
	values := strings.Repeat(single+",", batchRows-1) + single
	return fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES %s",
		quoteMySQL(t.schema), quoteMySQL(t.table), t.columnList, values)
}

// AppendRow buffers one mapped row, flushing first when the buffer is full
// or the packet budget would be exceeded.
func (t *MySQLCopyDataTarget) AppendRow(ctx context.Context, row []interface{}) error {
	if len(row) != len(t.columns) {
		return TaskErrorf(SchemaMismatchError,
			"row has %d values, expected %d for %s", len(row), len(t.columns), qualifiedName(t.schema, t.table))
	}
	// LOB handles become empty buffers the chunk stream fills in; their
	// bytes count against the budget as the chunks arrive.
	for i, v := range row {
		if h, ok := v.(*LobHandle); ok {
			row[i] = make([]byte, 0, h.Size)
		}
	}
	size := estimateRowSize(row)
	if len(t.pending) > 0 &&
		(len(t.pending) >= t.batchSize || t.pendingBytes+size > t.packetBudget()) {
		if err := t.Flush(ctx); err != nil {
			return err
		}
	}
	t.pending = append(t.pending, row)
	t.pendingBytes += size
	return nil
}

// AppendLobChunk appends one chunk to a column of the row most recently
// passed to AppendRow, re-assembling values that travelled in pieces.
func (t *MySQLCopyDataTarget) AppendLobChunk(ctx context.Context, column int, chunk LobChunk) error {
	if len(t.pending) == 0 {
		return TaskErrorf(DriverError, "lob chunk with no row in flight")
	}
	if column < 0 || column >= len(t.columns) {
		return TaskErrorf(DriverError, "lob chunk for out-of-range column %d", column)
	}
	row := t.pending[len(t.pending)-1]
	buf, ok := row[column].([]byte)
	if !ok {
		return TaskErrorf(DriverError, "lob chunk for non-lob column %s", t.columns[column].Name)
	}
	row[column] = append(buf, chunk.Data...)
	t.pendingBytes += int64(len(chunk.Data))
	return nil
}

func (t *MySQLCopyDataTarget) packetBudget() int64 {
	if t.maxAllowedPacket <= 0 {
		return 1 << 30
	}
	return int64(float64(t.maxAllowedPacket) * packetSizeMargin)
}

// Flush executes the buffered rows as one multi-row insert. A short trailing
// batch is prepared ad hoc; the full-size statement is reused otherwise. On
// a packet refusal the batch is halved and retried once per half before
// giving up.
func (t *MySQLCopyDataTarget) Flush(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	rows := t.pending
	bytes := t.pendingBytes
	t.pending = nil
	t.pendingBytes = 0

	if err := t.execBatch(ctx, rows, true); err != nil {
		return err
	}
	tableName := qualifiedName(t.schema, t.table)
	batchesFlushed.WithLabelValues(tableName).Inc()
	bytesWritten.WithLabelValues(tableName).Add(float64(bytes))
	return nil
}

func (t *MySQLCopyDataTarget) execBatch(ctx context.Context, rows [][]interface{}, splitAllowed bool) error {
	args := make([]interface{}, 0, len(rows)*len(t.columns))
	for _, row := range rows {
		args = append(args, row...)
	}

	var err error
	if len(rows) == t.fullStmtSize && t.fullStmt != nil {
		_, err = t.fullStmt.ExecContext(ctx, args...)
	} else {
		_, err = t.conn.ExecContext(ctx, t.insertSQL(len(rows)), args...)
	}
	if err == nil {
		return nil
	}

	if !isPacketTooLarge(err) {
		return NewTaskError(DriverError,
			errors.Wrapf(err, "could not insert batch of %d rows into %s", len(rows), qualifiedName(t.schema, t.table)))
	}
	if !splitAllowed || len(rows) == 1 {
		return NewTaskError(PacketTooLargeError,
			errors.Wrapf(err, "batch for %s refused at size %d", qualifiedName(t.schema, t.table), len(rows)))
	}
	log.WithField("task", "target").
		WithField("table", qualifiedName(t.schema, t.table)).
		Warnf("packet too large with %d rows, halving and retrying", len(rows))
	half := len(rows) / 2
	if err := t.execBatch(ctx, rows[:half], false); err != nil {
		return err
	}
	return t.execBatch(ctx, rows[half:], false)
}

func isPacketTooLarge(err error) bool {
	cause := errors.Cause(err)
	if myErr, ok := cause.(*mysql.MySQLError); ok {
		return myErr.Number == erNetPacketTooLarge
	}
	// The driver refuses client-side before the server sees the packet.
	return cause == mysql.ErrPktTooLarge
}

func (t *MySQLCopyDataTarget) Commit(ctx context.Context) error {
	if t.conn == nil {
		return nil
	}
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return NewTaskError(DriverError, errors.WithStack(err))
	}
	return nil
}

// Rollback discards the partial batch and the open transaction after a task
// abort.
func (t *MySQLCopyDataTarget) Rollback(ctx context.Context) error {
	t.pending = nil
	t.pendingBytes = 0
	if t.conn == nil {
		return nil
	}
	if _, err := t.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return NewTaskError(DriverError, errors.WithStack(err))
	}
	return nil
}

func (t *MySQLCopyDataTarget) closeStatement() error {
	if t.fullStmt == nil {
		return nil
	}
	err := t.fullStmt.Close()
	t.fullStmt = nil
	return errors.WithStack(err)
}

func (t *MySQLCopyDataTarget) Close() error {
	t.closeStatement()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return errors.WithStack(err)
}

// estimateRowSize approximates the serialised size of a row inside the
// insert packet.
func estimateRowSize(row []interface{}) int64 {
	var size int64
	for _, v := range row {
		size += estimateValueSize(v) + 2
	}
	return size
}

func estimateValueSize(v interface{}) int64 {
	switch val := v.(type) {
	case nil:
		return 1
	case []byte:
		return int64(len(val))
	case string:
		return int64(len(val))
	case *LobHandle:
		return val.Size
	case time.Time:
		return 12
	default:
		return 8
	}
}
