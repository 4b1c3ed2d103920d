package copytable

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dlmiddlecote/sqlstats"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// TableConfig is one per-table override from the optional TOML config file.
type TableConfig struct {
	IgnoreColumns []string `toml:"ignore_columns" help:"Columns to ignore in table; parsed but not applied to the copy"`
	SourceWhere   string   `toml:"source_where" help:"Extra where clause that is added on the source"`
}

// Config is the optional TOML config file contents.
type Config struct {
	Tables map[string]TableConfig `toml:"table"`
}

// Command is the copytable invocation. Exactly one source kind is required
// unless one of the standalone trigger operations is requested.
type Command struct {
	MySQLSource       string `help:"MySQL source, user[:pass]@host:port or user[:pass]@::socket" name:"mysql-source" optional:""`
	ODBCSource        string `help:"ODBC source connection string, passed through to the driver" name:"odbc-source" optional:""`
	PythonDBAPISource string `help:"Generic driver source, <driver>:<dsn> against the linked database drivers" name:"pythondbapi-source" optional:""`
	Target            string `help:"MySQL target, user[:pass]@host:port or user[:pass]@::socket" optional:""`

	SourceDatasource string `help:"YAML datasource file describing the MySQL source instead of --mysql-source" optional:"" type:"path"`
	TargetDatasource string `help:"YAML datasource file describing the MySQL target instead of --target" optional:"" type:"path"`

	SourcePassword     string `help:"Password for the source connection" optional:""`
	TargetPassword     string `help:"Password for the target connection" optional:""`
	PasswordsFromStdin bool   `help:"Read one line from stdin: <source-pw>TAB<target-pw>, or a single password"`

	ForceUTF8ForSource    bool `help:"Treat source bytes as UTF-8 without transcoding" name:"force-utf8-for-source"`
	TruncateTarget        bool `help:"TRUNCATE each target table before the first insert"`
	Progress              bool `help:"Emit PROGRESS: lines per table"`
	CountOnly             bool `help:"Only count source rows, don't copy"`
	AbortOnOversizedBlobs bool `help:"Fail a task on an oversized LOB instead of truncating it"`
	IgnoreTaskErrors      bool `help:"Exit 0 even when individual table tasks failed"`

	DontDisableTriggers bool   `help:"Skip the trigger backup/restore bracket"`
	DisableTriggersOn   string `help:"Standalone: back up and drop triggers in this schema, then exit" optional:""`
	ReenableTriggersOn  string `help:"Standalone: restore triggers in this schema, then exit" optional:""`

	ThreadCount         int `help:"Number of copy workers" default:"1"`
	BulkInsertBatchSize int `help:"Rows per bulk INSERT" default:"100"`

	TableFile     string   `help:"Read tab-delimited table definitions from this file" optional:"" type:"path"`
	Table         []string `help:"One copy task: src_schema TAB src_table TAB tgt_schema TAB tgt_table TAB select_expr" optional:""`
	TableRange    []string `help:"One range task: src_schema TAB src_table TAB tgt_schema TAB tgt_table TAB key TAB start TAB end (-1 = unbounded)" name:"table-range" optional:""`
	TableRowCount []string `help:"One row-count task: src_schema TAB src_table TAB tgt_schema TAB tgt_table TAB n" name:"table-row-count" optional:""`

	ConfigFile string `help:"TOML formatted config file with per-table overrides" short:"f" optional:"" type:"path"`

	LogFile  string `help:"Log to this file instead of stderr" optional:""`
	LogLevel string `help:"Log level (defaults to $WB_LOG_LEVEL, then info)" optional:""`

	config Config
}

// sourceKind returns which of the three source flags was given, failing when
// they conflict.
func (cmd *Command) sourceKind() (kind string, connstring string, err error) {
	given := 0
	for _, s := range []struct{ kind, conn string }{
		{"mysql", cmd.MySQLSource},
		{"odbc", cmd.ODBCSource},
		{"dbapi", cmd.PythonDBAPISource},
	} {
		if s.conn != "" {
			given++
			kind, connstring = s.kind, strings.Trim(s.conn, `"`)
		}
	}
	if cmd.SourceDatasource != "" {
		given++
		kind, connstring = "mysql", ""
	}
	if given > 1 {
		return "", "", TaskErrorf(InvocationError, "only one source kind may be given")
	}
	return kind, connstring, nil
}

// sourceEndpoint resolves the MySQL source from the connection string or the
// datasource file.
func (cmd *Command) sourceEndpoint(connstring string) (MySQLEndpoint, error) {
	var ep MySQLEndpoint
	var err error
	if cmd.SourceDatasource != "" {
		ep, err = LoadDatasource(cmd.SourceDatasource)
	} else {
		ep, err = ParseMySQLEndpoint(connstring)
	}
	if err != nil {
		return ep, err
	}
	if ep.Password == "" {
		ep.Password = cmd.SourcePassword
	}
	return ep, nil
}

// validateModes enforces the mutual exclusions between count-only and the
// standalone trigger operations.
func (cmd *Command) validateModes() error {
	if cmd.DisableTriggersOn != "" && cmd.ReenableTriggersOn != "" {
		return TaskErrorf(InvocationError, "--disable-triggers-on and --reenable-triggers-on are mutually exclusive")
	}
	if cmd.CountOnly && (cmd.DisableTriggersOn != "" || cmd.ReenableTriggersOn != "") {
		return TaskErrorf(InvocationError, "--count-only cannot be combined with the standalone trigger operations")
	}
	return nil
}

func (cmd *Command) triggerStandalone() bool {
	return cmd.DisableTriggersOn != "" || cmd.ReenableTriggersOn != ""
}

// loadTasks builds the queue from the table flags and the table file and
// collects the target schemas for the trigger bracket.
func (cmd *Command) loadTasks() (*TaskQueue, mapset.Set[string], error) {
	queue := NewTaskQueue()
	schemas := mapset.NewSet[string]()

	add := func(task TableTask, err error) error {
		if err != nil {
			return err
		}
		if override, ok := cmd.config.Tables[task.SourceTable]; ok && override.SourceWhere != "" {
			task.SelectExpression = andWhere(task.SelectExpression, override.SourceWhere)
		}
		if !cmd.CountOnly {
			schemas.Add(task.TargetSchema)
		}
		queue.Add(task)
		return nil
	}

	for _, spec := range cmd.Table {
		if err := add(ParseTableSpecLine(spec, cmd.CountOnly)); err != nil {
			return nil, nil, err
		}
	}
	for _, spec := range cmd.TableRange {
		if err := add(ParseRangeSpecLine(spec, cmd.CountOnly)); err != nil {
			return nil, nil, err
		}
	}
	for _, spec := range cmd.TableRowCount {
		if err := add(ParseRowCountSpecLine(spec, cmd.CountOnly)); err != nil {
			return nil, nil, err
		}
	}
	if cmd.TableFile != "" {
		if err := ReadTasksFromFile(cmd.TableFile, cmd.CountOnly, queue, schemas); err != nil {
			return nil, nil, err
		}
	}
	return queue, schemas, nil
}

// andWhere folds an extra filter into a select expression.
func andWhere(selectExpr, where string) string {
	projection, filter := splitSelectExpression(selectExpr)
	if filter == "" {
		return projection + " WHERE " + where
	}
	return projection + " WHERE (" + filter + ") AND (" + where + ")"
}

// LoadConfig loads the TOML config file if one was given.
func (cmd *Command) LoadConfig() error {
	if cmd.ConfigFile == "" {
		return nil
	}
	if _, err := toml.DecodeFile(cmd.ConfigFile, &cmd.config); err != nil {
		return NewTaskError(InvocationError, errors.WithStack(err))
	}
	return nil
}

// Run executes the invocation: count-only, a standalone trigger operation,
// or the parallel copy.
func (cmd *Command) Run(ctx context.Context, output *Output, stdin io.Reader) error {
	if err := cmd.validateModes(); err != nil {
		return err
	}
	if err := cmd.LoadConfig(); err != nil {
		return err
	}

	kind, sourceConn, err := cmd.sourceKind()
	if err != nil {
		return err
	}
	if kind == "" && !cmd.triggerStandalone() {
		return TaskErrorf(InvocationError, "missing source DB server")
	}
	if cmd.Target == "" && cmd.TargetDatasource == "" && !cmd.CountOnly {
		return TaskErrorf(InvocationError, "missing target DB server")
	}

	queue, triggerSchemas, err := cmd.loadTasks()
	if err != nil {
		return err
	}
	if queue.Empty() && !cmd.triggerStandalone() {
		log.Warn("missing table list specification")
		return nil
	}

	if cmd.PasswordsFromStdin {
		targetOnly := cmd.triggerStandalone()
		src, tgt, err := ReadPasswordsFromStdin(stdin, targetOnly)
		if err != nil {
			return NewTaskError(InvocationError, err)
		}
		if src != "" {
			cmd.SourcePassword = src
		}
		if tgt != "" {
			cmd.TargetPassword = tgt
		}
	}

	if cmd.ThreadCount < 1 {
		cmd.ThreadCount = 1
	}
	if cmd.BulkInsertBatchSize < 1 {
		cmd.BulkInsertBatchSize = 1
	}

	var env *ODBCEnv
	if kind == "odbc" {
		env = NewODBCEnv()
		defer env.Close()
	}
	newSource := func() (CopyDataSource, error) {
		switch kind {
		case "mysql":
			ep, err := cmd.sourceEndpoint(sourceConn)
			if err != nil {
				return nil, err
			}
			return NewMySQLCopyDataSource(ep, cmd.ForceUTF8ForSource), nil
		case "odbc":
			return NewODBCCopyDataSource(env, sourceConn, cmd.SourcePassword, cmd.ForceUTF8ForSource), nil
		default:
			return NewDBAPICopyDataSource(sourceConn, cmd.SourcePassword, cmd.ForceUTF8ForSource)
		}
	}

	switch {
	case cmd.CountOnly:
		err = cmd.runCountOnly(ctx, queue, newSource, output)
	case cmd.triggerStandalone():
		err = cmd.runTriggerStandalone(ctx)
	default:
		err = cmd.runCopy(ctx, queue, triggerSchemas, newSource, output)
	}
	if err != nil {
		return err
	}
	output.Finished()
	return nil
}

// runCountOnly makes a single pass over the queue with one source session.
func (cmd *Command) runCountOnly(ctx context.Context, queue *TaskQueue, newSource func() (CopyDataSource, error), output *Output) error {
	source, err := newSource()
	if err != nil {
		return err
	}
	if err := source.Connect(ctx); err != nil {
		return err
	}
	defer source.Close()

	for {
		task, ok := queue.Next()
		if !ok {
			return nil
		}
		total, err := source.CountRows(ctx, task.SourceSchema, task.SourceTable, task.Spec)
		if err != nil {
			return err
		}
		output.RowCount(task.SourceSchema, task.SourceTable, total)
	}
}

// runTriggerStandalone backs up or restores triggers on one schema and
// exits.
func (cmd *Command) runTriggerStandalone(ctx context.Context) error {
	endpoint, err := cmd.targetEndpoint()
	if err != nil {
		return err
	}
	db, err := OpenTargetDB(endpoint, "copytable")
	if err != nil {
		return err
	}
	defer db.Close()

	triggers := NewTriggerManager(db)
	schemas := mapset.NewSet[string]()
	if cmd.DisableTriggersOn != "" {
		schemas.Add(cmd.DisableTriggersOn)
		return triggers.BackupTriggers(ctx, schemas)
	}
	schemas.Add(cmd.ReenableTriggersOn)
	return triggers.RestoreTriggers(ctx, schemas)
}

func (cmd *Command) targetEndpoint() (MySQLEndpoint, error) {
	var ep MySQLEndpoint
	var err error
	if cmd.TargetDatasource != "" {
		ep, err = LoadDatasource(cmd.TargetDatasource)
	} else {
		ep, err = ParseMySQLEndpoint(strings.Trim(cmd.Target, `"`))
	}
	if err != nil {
		return ep, err
	}
	if ep.Password == "" {
		ep.Password = cmd.TargetPassword
	}
	return ep, nil
}

// runCopy brackets the parallel copy with the trigger backup/restore and
// joins the workers.
func (cmd *Command) runCopy(ctx context.Context, queue *TaskQueue, triggerSchemas mapset.Set[string], newSource func() (CopyDataSource, error), output *Output) error {
	endpoint, err := cmd.targetEndpoint()
	if err != nil {
		return err
	}
	db, err := OpenTargetDB(endpoint, "copytable")
	if err != nil {
		return err
	}
	defer db.Close()
	prometheus.MustRegister(sqlstats.NewStatsCollector("target", db))

	triggers := NewTriggerManager(db)
	if !cmd.DontDisableTriggers {
		if err := triggers.BackupTriggers(ctx, triggerSchemas); err != nil {
			return err
		}
		// Restore runs on every exit path once the backup succeeded.
		defer func() {
			if err := triggers.RestoreTriggers(context.Background(), triggerSchemas); err != nil {
				log.WithError(err).Error("could not restore triggers")
			}
		}()
	}

	failedTasks := atomic.NewInt64(0)
	mapper := NewTypeMapper(cmd.ForceUTF8ForSource)

	// The group only joins the workers. Each worker keeps the parent
	// context: a worker that dies at setup must not cancel the tasks the
	// others are streaming.
	var g errgroup.Group
	for i := 0; i < cmd.ThreadCount; i++ {
		index := i
		source, err := newSource()
		if err != nil {
			return err
		}
		target := NewMySQLCopyDataTarget(db)
		target.SetTruncate(cmd.TruncateTarget)
		target.SetBulkInsertBatchSize(cmd.BulkInsertBatchSize)
		source.SetAbortOnOversizedBlobs(cmd.AbortOnOversizedBlobs)
		g.Go(func() error {
			worker := &CopyDataTask{
				Name:         workerName(index),
				Source:       source,
				Target:       target,
				Queue:        queue,
				Mapper:       mapper,
				Output:       output,
				ShowProgress: cmd.Progress,
				FailedTasks:  failedTasks,
			}
			return worker.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if n := failedTasks.Load(); n > 0 {
		if cmd.IgnoreTaskErrors {
			log.Warnf("%d table tasks failed, ignored as requested", n)
			return nil
		}
		return errors.Errorf("%d table tasks failed", n)
	}
	return nil
}

func workerName(index int) string {
	return fmt.Sprintf("Task %d", index+1)
}
