package copytable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CopyType tags the three copy predicates.
type CopyType int

const (
	CopyAll CopyType = iota
	CopyRange
	CopyCount
)

func (t CopyType) String() string {
	switch t {
	case CopyRange:
		return "range"
	case CopyCount:
		return "row-count"
	default:
		return "all"
	}
}

// CopySpec is the what-to-copy predicate of a task. For CopyRange a bound of
// -1 means unbounded on that side.
type CopySpec struct {
	Type       CopyType
	RangeKey   string
	RangeStart int64
	RangeEnd   int64
	RowCount   int64
}

// TableTask is one unit of work: one source table copied into one target
// table. Immutable once enqueued.
type TableTask struct {
	SourceSchema string
	SourceTable  string
	TargetSchema string
	TargetTable  string
	// SelectExpression is the source-side projection, "*" for all columns,
	// optionally followed by a WHERE filter.
	SelectExpression string
	Spec             CopySpec
}

func (t TableTask) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", t.SourceSchema, t.SourceTable, t.TargetSchema, t.TargetTable)
}

// MySQLEndpoint is a parsed user[:pass]@host:port or user[:pass]@::socket
// connection string.
type MySQLEndpoint struct {
	User     string
	Password string
	Host     string
	Port     int
	Socket   string
}

func (e MySQLEndpoint) Address() string {
	if e.Socket != "" {
		return e.Socket
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ParseMySQLEndpoint parses the connection string grammar shared by the
// command line utilities: user[:pass]@host:port or user[:pass]@::socket.
func ParseMySQLEndpoint(connstring string) (MySQLEndpoint, error) {
	var ep MySQLEndpoint
	at := strings.LastIndex(connstring, "@")
	if at < 0 {
		return ep, TaskErrorf(InvocationError,
			"invalid connection string %q, must be user[:pass]@host:port or user[:pass]@::socket", connstring)
	}
	userPart := connstring[:at]
	serverPart := connstring[at+1:]

	if colon := strings.Index(userPart, ":"); colon >= 0 {
		ep.User = userPart[:colon]
		ep.Password = userPart[colon+1:]
	} else {
		ep.User = userPart
	}

	if strings.HasPrefix(serverPart, "::") {
		ep.Socket = serverPart[2:]
		if ep.Socket == "" {
			return ep, TaskErrorf(InvocationError, "empty socket path in connection string %q", connstring)
		}
		return ep, nil
	}

	colon := strings.Index(serverPart, ":")
	if colon < 0 {
		ep.Host = serverPart
		ep.Port = 3306
		return ep, nil
	}
	ep.Host = serverPart[:colon]
	port, err := strconv.Atoi(serverPart[colon+1:])
	if err != nil {
		return ep, TaskErrorf(InvocationError, "invalid port in connection string %q", connstring)
	}
	ep.Port = port
	return ep, nil
}

// ParseTableSpecLine parses one tab-separated table definition in the
// table-file field order. In count-only mode only the first two fields are
// required; extra fields are accepted and ignored so the same file works for
// both modes.
func ParseTableSpecLine(line string, countOnly bool) (TableTask, error) {
	var task TableTask
	fields := strings.Split(line, "\t")
	if countOnly {
		if len(fields) < 2 {
			return task, TaskErrorf(InvocationError, "table definition needs 2 fields, got %d: %q", len(fields), line)
		}
		task.SourceSchema = fields[0]
		task.SourceTable = fields[1]
		task.SelectExpression = "*"
		return task, nil
	}
	if len(fields) != 5 {
		return task, TaskErrorf(InvocationError, "table definition needs 5 fields, got %d: %q", len(fields), line)
	}
	task.SourceSchema = fields[0]
	task.SourceTable = fields[1]
	task.TargetSchema = fields[2]
	task.TargetTable = fields[3]
	task.SelectExpression = fields[4]
	return task, nil
}

// ParseRangeSpecLine parses a --table-range occurrence: the --table fields
// without a projection, followed by <key>\t<start>\t<end>, -1 meaning
// unbounded.
func ParseRangeSpecLine(line string, countOnly bool) (TableTask, error) {
	fields := strings.Split(line, "\t")
	want := 7
	if countOnly {
		want = 5
	}
	if len(fields) != want {
		return TableTask{}, TaskErrorf(InvocationError, "range definition needs %d fields, got %d: %q", want, len(fields), line)
	}
	base := strings.Join(fields[:want-3], "\t")
	if !countOnly {
		// Range tasks carry no projection on the command line.
		base = base + "\t*"
	}
	task, err := ParseTableSpecLine(base, countOnly)
	if err != nil {
		return task, err
	}
	start, err1 := strconv.ParseInt(fields[want-2], 10, 64)
	end, err2 := strconv.ParseInt(fields[want-1], 10, 64)
	if err1 != nil || err2 != nil {
		return task, TaskErrorf(InvocationError, "invalid range bounds in %q", line)
	}
	task.Spec = CopySpec{Type: CopyRange, RangeKey: fields[want-3], RangeStart: start, RangeEnd: end}
	return task, nil
}

// ParseRowCountSpecLine parses a --table-row-count occurrence: the --table
// fields without a projection, followed by <n>.
func ParseRowCountSpecLine(line string, countOnly bool) (TableTask, error) {
	fields := strings.Split(line, "\t")
	want := 5
	if countOnly {
		want = 3
	}
	if len(fields) != want {
		return TableTask{}, TaskErrorf(InvocationError, "row-count definition needs %d fields, got %d: %q", want, len(fields), line)
	}
	base := strings.Join(fields[:want-1], "\t")
	if !countOnly {
		base = base + "\t*"
	}
	task, err := ParseTableSpecLine(base, countOnly)
	if err != nil {
		return task, err
	}
	n, err := strconv.ParseInt(fields[want-1], 10, 64)
	if err != nil || n < 0 {
		return task, TaskErrorf(InvocationError, "invalid row count in %q", line)
	}
	task.Spec = CopySpec{Type: CopyCount, RowCount: n}
	return task, nil
}

// ReadTasksFromFile loads one task per line from a tab-delimited file and
// records each target schema in triggerSchemas. Blank lines are skipped,
// malformed lines are fatal.
func ReadTasksFromFile(path string, countOnly bool, queue *TaskQueue, triggerSchemas mapset.Set[string]) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "could not open table file %q", path)
	}
	defer f.Close()

	log.Infof("Loading table information from file %s", path)

	return readTaskLines(f, path, countOnly, queue, triggerSchemas)
}

// readTaskLines is the scanning core of ReadTasksFromFile, split out so tests
// can feed it readers.
func readTaskLines(r io.Reader, path string, countOnly bool, queue *TaskQueue, triggerSchemas mapset.Set[string]) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		log.Infof("--table %s", line)
		task, err := ParseTableSpecLine(line, countOnly)
		if err != nil {
			return errors.Wrapf(err, "error reading table definitions from table file: %s", path)
		}
		if !countOnly {
			triggerSchemas.Add(task.TargetSchema)
		}
		queue.Add(task)
	}
	return errors.WithStack(scanner.Err())
}

// ReadPasswordsFromStdin reads one line from r: either src\ttgt, or a single
// password which lands on the source side unless the mode only needs a
// target password (the standalone trigger operations).
func ReadPasswordsFromStdin(r io.Reader, targetOnly bool) (source string, target string, err error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", "", errors.Wrap(err, "error reading passwords from stdin")
		}
		return "", "", errors.New("error reading passwords from stdin")
	}
	line := strings.TrimRight(scanner.Text(), "\r\n")
	if tab := strings.Index(line, "\t"); tab >= 0 {
		return line[:tab], line[tab+1:], nil
	}
	if targetOnly {
		return "", line, nil
	}
	return line, "", nil
}
