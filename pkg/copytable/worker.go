package copytable

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	rowsCopied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rows_copied",
			Help: "How many rows were appended to the target, partitioned by table.",
		},
		[]string{"table"},
	)
	tasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_failed",
			Help: "How many table tasks aborted with an error.",
		},
	)
)

func init() {
	prometheus.MustRegister(rowsCopied)
	prometheus.MustRegister(tasksFailed)
}

// CopyDataTask is one worker: it owns one source and one target session and
// drains the task queue until empty. A task failure is logged and counted
// but never stops the worker.
type CopyDataTask struct {
	Name         string
	Source       CopyDataSource
	Target       CopyDataTarget
	Queue        *TaskQueue
	Mapper       *TypeMapper
	Output       *Output
	ShowProgress bool
	FailedTasks  *atomic.Int64
}

// Run drains the queue. The returned error is only ever a setup failure;
// per-task errors are absorbed.
func (w *CopyDataTask) Run(ctx context.Context) error {
	logger := log.WithField("task", w.Name)

	if err := w.Target.Connect(ctx); err != nil {
		return err
	}
	if err := w.Source.Connect(ctx); err != nil {
		return err
	}
	// The packet size bounds each transferred chunk, the long-data limit
	// bounds whole parameter values.
	w.Source.SetMaxBlobChunkSize(w.Target.MaxAllowedPacket())
	w.Source.SetMaxParameterSize(w.Target.MaxLongDataSize())

	defer w.Source.Close()
	defer w.Target.Close()

	for {
		task, ok := w.Queue.Next()
		if !ok {
			logger.Debug("queue empty, worker finishing")
			return nil
		}
		if err := w.copyTable(ctx, task); err != nil {
			logger.WithField("table", task.String()).
				WithField("kind", string(KindOf(err))).
				WithError(err).Errorf("table copy failed: %v", err)
			tasksFailed.Inc()
			w.FailedTasks.Inc()
			if err := w.Target.Rollback(ctx); err != nil {
				logger.WithError(err).Warn("rollback after failed task")
			}
		}
	}
}

func (w *CopyDataTask) copyTable(ctx context.Context, task TableTask) error {
	logger := log.WithField("task", w.Name).WithField("table", task.String())
	start := time.Now()
	logger.WithField("spec", task.Spec.Type.String()).Info("start")

	var total uint64
	if w.ShowProgress {
		var err error
		total, err = w.Source.CountRows(ctx, task.SourceSchema, task.SourceTable, task.Spec)
		if err != nil {
			return err
		}
	}

	cursor, err := w.Source.OpenCursor(ctx, task.SourceSchema, task.SourceTable, task.SelectExpression, task.Spec)
	if err != nil {
		return err
	}
	defer cursor.Close()

	columns := cursor.Columns()
	if err := w.Target.Prepare(ctx, task.TargetSchema, task.TargetTable, columns); err != nil {
		return err
	}

	var copied uint64
	for {
		row, ok, err := cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := w.writeRow(ctx, cursor, columns, row); err != nil {
			return err
		}
		copied++
	}

	if err := w.Target.Flush(ctx); err != nil {
		return err
	}
	if err := w.Target.Commit(ctx); err != nil {
		return err
	}

	rowsCopied.WithLabelValues(task.SourceSchema + "." + task.SourceTable).Add(float64(copied))
	if w.ShowProgress {
		w.Output.Progress(task.SourceSchema, task.SourceTable, copied, total)
	}
	logger.WithField("rows", copied).
		WithField("duration", time.Since(start)).
		Info("done")
	return nil
}

// writeRow maps one row into the target batch, streaming any chunked LOB
// values before the next row may be appended.
func (w *CopyDataTask) writeRow(ctx context.Context, cursor Cursor, columns []ColumnInfo, row Row) error {
	mapped := make([]interface{}, len(row))
	var handles []*LobHandle
	for i, value := range row {
		bound, err := w.Mapper.BindValue(columns[i], value)
		if err != nil {
			return err
		}
		if h, ok := bound.(*LobHandle); ok {
			handles = append(handles, h)
		}
		mapped[i] = bound
	}
	if err := w.Target.AppendRow(ctx, mapped); err != nil {
		return err
	}
	for _, h := range handles {
		var offset int64
		for {
			chunk, err := cursor.ReadLobChunk(h, offset, h.Size-offset)
			if err != nil {
				return err
			}
			if err := w.Target.AppendLobChunk(ctx, h.Column, chunk); err != nil {
				return err
			}
			offset += int64(len(chunk.Data))
			if chunk.Last {
				break
			}
		}
	}
	return nil
}
