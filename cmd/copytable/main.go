package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"

	"copytable/pkg/copytable"
)

// TimestampFormat matches the migration toolchain's log scrapers.
const TimestampFormat = `2006-01-02T15:04:05.000`

const appVersion = "1.0.0"

var cli struct {
	copytable.Command

	MetricsPort int              `help:"Which port to publish metrics and debugging info to" default:"9102"`
	Version     kong.VersionFlag `help:"Print version information and exit"`
}

func inKubernetes() bool {
	return os.Getenv("KUBERNETES_PORT") != ""
}

func startMetricsServer() {
	go func() {
		bindAddr := fmt.Sprintf("localhost:%d", cli.MetricsPort)
		if inKubernetes() {
			bindAddr = fmt.Sprintf(":%d", cli.MetricsPort)
		}
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(bindAddr, nil); err != nil {
			log.Debugf("metrics server: %v", err)
		}
	}()
}

type utcFormatter struct {
	log.Formatter
}

func (u utcFormatter) Format(e *log.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

func setupLogFormat() {
	jsonFormatter := &log.JSONFormatter{
		FieldMap: log.FieldMap{
			log.FieldKeyMsg:  "message",
			log.FieldKeyTime: "timestamp",
		},
	}
	jsonFormatter.TimestampFormat = TimestampFormat
	log.SetFormatter(&utcFormatter{jsonFormatter})
}

// setupLogRouting applies --log-level (falling back to $WB_LOG_LEVEL, then
// info) and --log-file.
func setupLogRouting() error {
	level := cli.LogLevel
	if level == "" {
		level = os.Getenv("WB_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid argument %q for option --log-level", level)
	}
	log.SetLevel(parsed)

	if cli.LogFile != "" {
		f, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("could not open log file %s: %v", cli.LogFile, err)
		}
		log.SetOutput(f)
	}
	return nil
}

func main() {
	kong.Parse(&cli,
		kong.Name("copytable"),
		kong.Description("Parallel table data copy into MySQL for the schema migration toolchain"),
		kong.Vars{"version": fmt.Sprintf("copytable %s", appVersion)},
	)

	setupLogFormat()
	if err := setupLogRouting(); err != nil {
		fmt.Fprintf(os.Stderr, "copytable: %v\n", err)
		os.Exit(1)
	}
	startMetricsServer()

	output := copytable.NewOutput(os.Stdout)
	if err := cli.Command.Run(context.Background(), output, os.Stdin); err != nil {
		log.Errorf("%+v", err)
		fmt.Fprintf(os.Stderr, "copytable: %v\n", err)
		os.Exit(1)
	}
}
