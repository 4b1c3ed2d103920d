package copytable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// triggerBackupTable is the well-known server-side location for backed-up
// trigger definitions, one table per schema. It lets a later process restore
// triggers that an earlier one dropped (the standalone re-enable operation).
const triggerBackupTable = "wb_trigger_backups"

// TriggerBackup holds the definitions captured for one schema, keyed by
// trigger name, plus the moment of capture.
type TriggerBackup struct {
	Schema     string
	Statements map[string]string
	BackedUpAt time.Time
}

// TriggerManager brackets a copy run: back up and drop target triggers
// before the workers start, restore them after the workers join. Only the
// orchestrator touches it, so no locking.
type TriggerManager struct {
	db      *sql.DB
	backups map[string]*TriggerBackup
}

func NewTriggerManager(db *sql.DB) *TriggerManager {
	return &TriggerManager{
		db:      db,
		backups: make(map[string]*TriggerBackup),
	}
}

// BackupTriggers captures and drops every trigger in the given schemas.
// Running it again over a schema whose triggers are already dropped is a
// no-op as long as a backup record exists.
func (m *TriggerManager) BackupTriggers(ctx context.Context, schemas mapset.Set[string]) error {
	for _, schema := range schemas.ToSlice() {
		if err := m.backupSchema(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (m *TriggerManager) backupSchema(ctx context.Context, schema string) error {
	logger := log.WithField("task", "triggers").WithField("schema", schema)

	statements, err := m.readTriggers(ctx, schema)
	if err != nil {
		return err
	}
	if len(statements) == 0 {
		if m.backups[schema] != nil || m.hasBackupRows(ctx, schema) {
			logger.Debug("triggers already backed up and dropped")
			return nil
		}
		m.backups[schema] = &TriggerBackup{Schema: schema, Statements: statements, BackedUpAt: time.Now()}
		return nil
	}

	if err := m.ensureBackupTable(ctx, schema); err != nil {
		return err
	}
	backup := &TriggerBackup{Schema: schema, Statements: statements, BackedUpAt: time.Now()}
	for name, stmt := range statements {
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf("REPLACE INTO %s.%s (trigger_name, definition) VALUES (?, ?)",
				quoteMySQL(schema), quoteMySQL(triggerBackupTable)),
			name, stmt); err != nil {
			return NewTaskError(DriverError, errors.Wrapf(err, "could not back up trigger %s.%s", schema, name))
		}
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s.%s", quoteMySQL(schema), quoteMySQL(name))); err != nil {
			return NewTaskError(DriverError, errors.Wrapf(err, "could not drop trigger %s.%s", schema, name))
		}
		logger.WithField("trigger", name).Info("backed up and dropped trigger")
	}
	m.backups[schema] = backup
	return nil
}

// RestoreTriggers re-creates every backed-up trigger. A schema with no
// backup is a warning, not an error: the standalone restore may run against
// a target that was never bracketed.
func (m *TriggerManager) RestoreTriggers(ctx context.Context, schemas mapset.Set[string]) error {
	for _, schema := range schemas.ToSlice() {
		if err := m.restoreSchema(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (m *TriggerManager) restoreSchema(ctx context.Context, schema string) error {
	logger := log.WithField("task", "triggers").WithField("schema", schema)

	statements := map[string]string{}
	if backup, ok := m.backups[schema]; ok {
		statements = backup.Statements
	} else {
		var err error
		statements, err = m.readBackupRows(ctx, schema)
		if err != nil {
			return err
		}
	}
	if len(statements) == 0 {
		logger.Warn("no trigger backup found, nothing to restore")
		return nil
	}
	for name, stmt := range statements {
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s.%s", quoteMySQL(schema), quoteMySQL(name))); err != nil {
			return NewTaskError(DriverError, errors.WithStack(err))
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return NewTaskError(DriverError, errors.Wrapf(err, "could not restore trigger %s.%s", schema, name))
		}
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s.%s WHERE trigger_name = ?",
				quoteMySQL(schema), quoteMySQL(triggerBackupTable)), name); err != nil {
			// The trigger is live again; the next backup of it replaces
			// the stale backup row.
			logger.WithField("trigger", name).WithError(err).Warn("could not clear backup row")
		}
		logger.WithField("trigger", name).Info("restored trigger")
	}
	delete(m.backups, schema)
	return nil
}

// readTriggers reconstructs CREATE TRIGGER statements from
// information_schema.
func (m *TriggerManager) readTriggers(ctx context.Context, schema string) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT TRIGGER_NAME, ACTION_TIMING, EVENT_MANIPULATION, EVENT_OBJECT_TABLE, ACTION_STATEMENT, DEFINER
		 FROM information_schema.TRIGGERS WHERE TRIGGER_SCHEMA = ?`, schema)
	if err != nil {
		return nil, NewTaskError(DriverError, errors.Wrapf(err, "could not list triggers of %s", schema))
	}
	defer rows.Close()

	statements := make(map[string]string)
	for rows.Next() {
		var name, timing, event, table, body, definer string
		if err := rows.Scan(&name, &timing, &event, &table, &body, &definer); err != nil {
			return nil, NewTaskError(DriverError, errors.WithStack(err))
		}
		statements[name] = createTriggerStatement(schema, name, timing, event, table, body, definer)
	}
	return statements, errors.WithStack(rows.Err())
}

func createTriggerStatement(schema, name, timing, event, table, body, definer string) string {
	stmt := "CREATE "
	if definer != "" {
		stmt += fmt.Sprintf("DEFINER = %s ", quoteDefiner(definer))
	}
	stmt += fmt.Sprintf("TRIGGER %s.%s %s %s ON %s.%s FOR EACH ROW %s",
		quoteMySQL(schema), quoteMySQL(name), timing, event,
		quoteMySQL(schema), quoteMySQL(table), body)
	return stmt
}

// quoteDefiner turns user@host into `user`@`host`.
func quoteDefiner(definer string) string {
	for i := len(definer) - 1; i >= 0; i-- {
		if definer[i] == '@' {
			return quoteMySQL(definer[:i]) + "@" + quoteMySQL(definer[i+1:])
		}
	}
	return quoteMySQL(definer)
}

func (m *TriggerManager) ensureBackupTable(ctx context.Context, schema string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s.%s (
			trigger_name VARCHAR(64) NOT NULL PRIMARY KEY,
			definition LONGTEXT NOT NULL,
			backed_up_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, quoteMySQL(schema), quoteMySQL(triggerBackupTable)))
	if err != nil {
		return NewTaskError(DriverError, errors.Wrapf(err, "could not create trigger backup table in %s", schema))
	}
	return nil
}

func (m *TriggerManager) hasBackupRows(ctx context.Context, schema string) bool {
	var count int
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s.%s", quoteMySQL(schema), quoteMySQL(triggerBackupTable))).Scan(&count)
	return err == nil && count > 0
}

func (m *TriggerManager) readBackupRows(ctx context.Context, schema string) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT trigger_name, definition FROM %s.%s", quoteMySQL(schema), quoteMySQL(triggerBackupTable)))
	if err != nil {
		// No backup table means no prior backup; the caller warns.
		return map[string]string{}, nil
	}
	defer rows.Close()
	statements := make(map[string]string)
	for rows.Next() {
		var name, stmt string
		if err := rows.Scan(&name, &stmt); err != nil {
			return nil, NewTaskError(DriverError, errors.WithStack(err))
		}
		statements[name] = stmt
	}
	return statements, errors.WithStack(rows.Err())
}
