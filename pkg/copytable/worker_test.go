package copytable

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// fakeTable is the in-memory source data for one table.
type fakeTable struct {
	columns []ColumnInfo
	rows    []Row
}

// fakeSource serves rows from memory, honouring the copy spec the way a
// real adapter would.
type fakeSource struct {
	sourceLimits
	tables     map[string]*fakeTable
	connectErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{tables: make(map[string]*fakeTable)}
}

func (s *fakeSource) Connect(ctx context.Context) error { return s.connectErr }
func (s *fakeSource) Close() error                      { return nil }

func (s *fakeSource) table(schema, table string) (*fakeTable, error) {
	ft, ok := s.tables[qualifiedName(schema, table)]
	if !ok {
		return nil, TaskErrorf(DriverError, "no such table %s.%s", schema, table)
	}
	return ft, nil
}

func (s *fakeSource) selectRows(ft *fakeTable, spec CopySpec) []Row {
	var out []Row
	for _, row := range ft.rows {
		if spec.Type == CopyRange {
			key, _ := row[0].(int64)
			if spec.RangeStart >= 0 && key < spec.RangeStart {
				continue
			}
			if spec.RangeEnd >= 0 && key > spec.RangeEnd {
				continue
			}
		}
		out = append(out, row)
		if spec.Type == CopyCount && int64(len(out)) >= spec.RowCount {
			break
		}
	}
	return out
}

func (s *fakeSource) CountRows(ctx context.Context, schema, table string, spec CopySpec) (uint64, error) {
	ft, err := s.table(schema, table)
	if err != nil {
		return 0, err
	}
	return uint64(len(s.selectRows(ft, spec))), nil
}

func (s *fakeSource) OpenCursor(ctx context.Context, schema, table, selectExpr string, spec CopySpec) (Cursor, error) {
	ft, err := s.table(schema, table)
	if err != nil {
		return nil, err
	}
	return &fakeCursor{cfg: s.cfg, columns: ft.columns, rows: s.selectRows(ft, spec)}, nil
}

type fakeCursor struct {
	cfg     SourceConfig
	columns []ColumnInfo
	rows    []Row
	next    int
	closed  bool
}

func (c *fakeCursor) Columns() []ColumnInfo { return c.columns }

func (c *fakeCursor) Next() (Row, bool, error) {
	if c.next >= len(c.rows) {
		return nil, false, nil
	}
	row := c.rows[c.next]
	c.next++
	return row, true, nil
}

func (c *fakeCursor) ReadLobChunk(handle *LobHandle, offset, maxSize int64) (LobChunk, error) {
	return readLobChunk(handle, offset, maxSize, c.cfg.MaxBlobChunkSize)
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

// fakeTarget collects appended rows per table and can inject failures.
type fakeTarget struct {
	prepared   string
	columns    []ColumnInfo
	current    [][]interface{}
	committed  map[string][][]interface{}
	rollbacks  int
	failAppend int // fail on the nth AppendRow (1-based), 0 = never
	appended   int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{committed: make(map[string][][]interface{})}
}

func (t *fakeTarget) Connect(ctx context.Context) error { return nil }
func (t *fakeTarget) MaxAllowedPacket() int64           { return 1 << 24 }
func (t *fakeTarget) MaxLongDataSize() int64            { return 1 << 24 }
func (t *fakeTarget) SetBulkInsertBatchSize(n int)      {}
func (t *fakeTarget) SetTruncate(truncate bool)         {}
func (t *fakeTarget) Close() error                      { return nil }

func (t *fakeTarget) Prepare(ctx context.Context, schema, table string, columns []ColumnInfo) error {
	t.prepared = qualifiedName(schema, table)
	t.columns = columns
	t.current = nil
	return nil
}

func (t *fakeTarget) AppendRow(ctx context.Context, row []interface{}) error {
	t.appended++
	if t.failAppend > 0 && t.appended >= t.failAppend {
		return TaskErrorf(DriverError, "injected append failure")
	}
	for i, v := range row {
		if h, ok := v.(*LobHandle); ok {
			row[i] = make([]byte, 0, h.Size)
		}
	}
	t.current = append(t.current, row)
	return nil
}

func (t *fakeTarget) AppendLobChunk(ctx context.Context, column int, chunk LobChunk) error {
	row := t.current[len(t.current)-1]
	row[column] = append(row[column].([]byte), chunk.Data...)
	return nil
}

func (t *fakeTarget) Flush(ctx context.Context) error { return nil }

func (t *fakeTarget) Commit(ctx context.Context) error {
	t.committed[t.prepared] = append(t.committed[t.prepared], t.current...)
	t.current = nil
	return nil
}

func (t *fakeTarget) Rollback(ctx context.Context) error {
	t.rollbacks++
	t.current = nil
	return nil
}

func intColumns(names ...string) []ColumnInfo {
	columns := make([]ColumnInfo, len(names))
	for i, n := range names {
		columns[i] = ColumnInfo{Ordinal: i, Name: n, Family: FamilySignedInteger}
	}
	return columns
}

func newWorker(source CopyDataSource, target CopyDataTarget, queue *TaskQueue, out *bytes.Buffer, progress bool) *CopyDataTask {
	return &CopyDataTask{
		Name:         "Task 1",
		Source:       source,
		Target:       target,
		Queue:        queue,
		Mapper:       NewTypeMapper(false),
		Output:       NewOutput(out),
		ShowProgress: progress,
		FailedTasks:  atomic.NewInt64(0),
	}
}

func TestWorkerCopiesAllRows(t *testing.T) {
	source := newFakeSource()
	source.tables["s.t"] = &fakeTable{
		columns: intColumns("id", "n"),
		rows:    []Row{{int64(1), int64(10)}, {int64(2), int64(20)}, {int64(3), int64(30)}},
	}
	target := newFakeTarget()
	queue := NewTaskQueue()
	queue.Add(TableTask{SourceSchema: "s", SourceTable: "t", TargetSchema: "d", TargetTable: "t", SelectExpression: "*"})

	var out bytes.Buffer
	worker := newWorker(source, target, queue, &out, true)
	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, [][]interface{}{
		{int64(1), int64(10)},
		{int64(2), int64(20)},
		{int64(3), int64(30)},
	}, target.committed["d.t"])
	assert.Equal(t, int64(0), worker.FailedTasks.Load())
	assert.Equal(t, "PROGRESS:s:t: 3/3\n", out.String())
}

func TestWorkerHonoursRange(t *testing.T) {
	source := newFakeSource()
	var rows []Row
	for i := int64(1); i <= 10; i++ {
		rows = append(rows, Row{i})
	}
	source.tables["s.t"] = &fakeTable{columns: intColumns("id"), rows: rows}
	target := newFakeTarget()
	queue := NewTaskQueue()
	queue.Add(TableTask{
		SourceSchema: "s", SourceTable: "t", TargetSchema: "d", TargetTable: "t",
		SelectExpression: "*",
		Spec:             CopySpec{Type: CopyRange, RangeKey: "id", RangeStart: 4, RangeEnd: 7},
	})

	var out bytes.Buffer
	worker := newWorker(source, target, queue, &out, false)
	require.NoError(t, worker.Run(context.Background()))

	require.Len(t, target.committed["d.t"], 4)
	assert.Equal(t, int64(4), target.committed["d.t"][0][0])
	assert.Equal(t, int64(7), target.committed["d.t"][3][0])
}

func TestWorkerHonoursRowCount(t *testing.T) {
	source := newFakeSource()
	var rows []Row
	for i := int64(1); i <= 10; i++ {
		rows = append(rows, Row{i})
	}
	source.tables["s.t"] = &fakeTable{columns: intColumns("id"), rows: rows}
	target := newFakeTarget()
	queue := NewTaskQueue()
	queue.Add(TableTask{
		SourceSchema: "s", SourceTable: "t", TargetSchema: "d", TargetTable: "t",
		SelectExpression: "*",
		Spec:             CopySpec{Type: CopyCount, RowCount: 4},
	})

	var out bytes.Buffer
	worker := newWorker(source, target, queue, &out, false)
	require.NoError(t, worker.Run(context.Background()))
	assert.Len(t, target.committed["d.t"], 4)
}

// A chunk-streamed value must arrive byte-exact no matter how many chunks it
// takes.
func TestWorkerStreamsLobs(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	source := newFakeSource()
	source.cfg.MaxBlobChunkSize = 64
	source.tables["s.t"] = &fakeTable{
		columns: []ColumnInfo{
			{Ordinal: 0, Name: "id", Family: FamilySignedInteger},
			{Ordinal: 1, Name: "doc", Family: FamilyBytes},
		},
		rows: []Row{{int64(1), &LobHandle{Column: 1, Size: int64(len(payload)), data: payload}}},
	}
	target := newFakeTarget()
	queue := NewTaskQueue()
	queue.Add(TableTask{SourceSchema: "s", SourceTable: "t", TargetSchema: "d", TargetTable: "t", SelectExpression: "*"})

	var out bytes.Buffer
	worker := newWorker(source, target, queue, &out, false)
	require.NoError(t, worker.Run(context.Background()))

	require.Len(t, target.committed["d.t"], 1)
	assert.Equal(t, payload, target.committed["d.t"][0][1])
}

// A failing task is logged and rolled back; the worker moves on to the next
// task.
func TestWorkerTaskAbortContinues(t *testing.T) {
	source := newFakeSource()
	source.tables["s.bad"] = &fakeTable{
		columns: intColumns("id"),
		rows:    []Row{{[]byte("not a number")}},
	}
	source.tables["s.good"] = &fakeTable{
		columns: intColumns("id"),
		rows:    []Row{{int64(1)}},
	}
	target := newFakeTarget()
	queue := NewTaskQueue()
	queue.Add(TableTask{SourceSchema: "s", SourceTable: "bad", TargetSchema: "d", TargetTable: "bad", SelectExpression: "*"})
	queue.Add(TableTask{SourceSchema: "s", SourceTable: "good", TargetSchema: "d", TargetTable: "good", SelectExpression: "*"})

	var out bytes.Buffer
	worker := newWorker(source, target, queue, &out, false)
	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, int64(1), worker.FailedTasks.Load())
	assert.Equal(t, 1, target.rollbacks)
	assert.Len(t, target.committed["d.good"], 1)
	assert.Empty(t, target.committed["d.bad"])
}

func TestWorkerTargetFailureAborts(t *testing.T) {
	source := newFakeSource()
	source.tables["s.t"] = &fakeTable{
		columns: intColumns("id"),
		rows:    []Row{{int64(1)}, {int64(2)}, {int64(3)}},
	}
	target := newFakeTarget()
	target.failAppend = 2
	queue := NewTaskQueue()
	queue.Add(TableTask{SourceSchema: "s", SourceTable: "t", TargetSchema: "d", TargetTable: "t", SelectExpression: "*"})

	var out bytes.Buffer
	worker := newWorker(source, target, queue, &out, false)
	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, int64(1), worker.FailedTasks.Load())
	assert.Empty(t, target.committed["d.t"])
}

// Many workers drain one queue: every task runs exactly once even with far
// more tasks than workers.
func TestWorkersShareQueue(t *testing.T) {
	const tables = 50

	queue := NewTaskQueue()
	sources := make([]*fakeSource, 4)
	targets := make([]*fakeTarget, 4)
	failed := atomic.NewInt64(0)

	shared := newFakeSource()
	for i := 0; i < tables; i++ {
		name := qualifiedName("s", "t"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		shared.tables[name] = &fakeTable{columns: intColumns("id"), rows: []Row{{int64(i)}}}
	}
	for name := range shared.tables {
		queue.Add(TableTask{
			SourceSchema: "s", SourceTable: name[2:],
			TargetSchema: "d", TargetTable: name[2:],
			SelectExpression: "*",
		})
	}

	ctx := context.Background()
	var g errgroup.Group
	var out bytes.Buffer
	for i := 0; i < 4; i++ {
		sources[i] = shared
		targets[i] = newFakeTarget()
		worker := newWorker(sources[i], targets[i], queue, &out, false)
		worker.FailedTasks = failed
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, target := range targets {
		for _, rows := range target.committed {
			total += len(rows)
		}
	}
	assert.Equal(t, tables, total)
	assert.Equal(t, int64(0), failed.Load())
}

// One worker failing to connect must not stop the others: they drain the
// whole queue on their own context.
func TestWorkerSetupFailureLeavesOthersRunning(t *testing.T) {
	shared := newFakeSource()
	for i := 0; i < 10; i++ {
		name := qualifiedName("s", fmt.Sprintf("t%d", i))
		shared.tables[name] = &fakeTable{columns: intColumns("id"), rows: []Row{{int64(i)}}}
	}
	queue := NewTaskQueue()
	for i := 0; i < 10; i++ {
		queue.Add(TableTask{
			SourceSchema: "s", SourceTable: fmt.Sprintf("t%d", i),
			TargetSchema: "d", TargetTable: fmt.Sprintf("t%d", i),
			SelectExpression: "*",
		})
	}

	broken := newFakeSource()
	broken.connectErr = TaskErrorf(ConnectError, "injected connect failure")

	ctx := context.Background()
	var out bytes.Buffer
	healthyTarget := newFakeTarget()
	healthy := newWorker(shared, healthyTarget, queue, &out, false)
	dead := newWorker(broken, newFakeTarget(), queue, &out, false)
	dead.FailedTasks = healthy.FailedTasks

	var g errgroup.Group
	g.Go(func() error { return healthy.Run(ctx) })
	g.Go(func() error { return dead.Run(ctx) })
	err := g.Wait()
	require.Error(t, err)
	assert.Equal(t, ConnectError, KindOf(err))

	total := 0
	for _, rows := range healthyTarget.committed {
		total += len(rows)
	}
	assert.Equal(t, 10, total)
	assert.Equal(t, int64(0), healthy.FailedTasks.Load())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, RangeError, KindOf(TaskErrorf(RangeError, "boom")))
	assert.Equal(t, RangeError, KindOf(errors.Wrap(TaskErrorf(RangeError, "boom"), "outer")))
	assert.Equal(t, DriverError, KindOf(errors.New("plain")))
}
