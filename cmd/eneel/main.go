// Command eneel runs one project's table/query replication jobs against
// its configured source, target, and (optional) logdb connections. The
// command-tree construction is grounded on go/flowctl-go/main.go's own
// go-flags parser wiring, stripped down to this tool's single positional
// project argument and replacing Gazette's mbp helpers with the local
// boilerplate.go wrappers (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/config"
	"github.com/eneel-project/eneel/internal/metrics"
	"github.com/eneel-project/eneel/internal/obslog"
	"github.com/eneel-project/eneel/internal/project"
	"github.com/eneel-project/eneel/internal/runlog"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
)

type positional struct {
	Project string `positional-arg-name:"project" description:"Project name or path (\"myproject\" or \"myproject.yml\")"`
}

type opts struct {
	Connections   string    `long:"connections" default:"connections.yml" description:"Path to the connections YAML file"`
	Target        string    `long:"target" description:"Override the output profile resolved from each connection's own target"`
	KeepTempfiles bool      `long:"keep-tempfiles" description:"Do not delete stage files after the run"`
	MetricsAddr   string    `long:"metrics-addr" description:"Address to serve Prometheus metrics on (disabled if empty)"`
	Log           LogConfig `group:"Logging" namespace:"log"`
	Positional    positional `positional-args:"yes" required:"yes"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var o opts
	var parser = flags.NewParser(&o, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	InitLog(o.Log)
	var log = logrus.NewEntry(logrus.StandardLogger())

	var projPath = config.ProjectFilePath(o.Positional.Project)
	var proj, err = config.LoadProject(projPath)
	if err != nil {
		log.WithError(err).Error("loading project")
		return 1
	}

	var conns, cerr = config.LoadConnections(o.Connections)
	if cerr != nil {
		log.WithError(cerr).Error("loading connections")
		return 1
	}

	var sourceAdapter, sourceConn, serr = buildAdapter(conns, proj.Source, o.Target, log)
	if serr != nil {
		log.WithError(serr).Error("building source connection")
		return 1
	}
	var targetAdapter, targetConn, terr = buildAdapter(conns, proj.Target, o.Target, log)
	if terr != nil {
		log.WithError(terr).Error("building target connection")
		return 1
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	if cerr := sourceAdapter.Connect(ctx); cerr != nil {
		log.WithError(cerr).Error("connecting to source")
		return 1
	}
	defer sourceAdapter.Close()
	if cerr := targetAdapter.Connect(ctx); cerr != nil {
		log.WithError(cerr).Error("connecting to target")
		return 1
	}
	defer targetAdapter.Close()

	var logdbAdapter adapter.Adapter
	if proj.LogDB != "" {
		var ladapter, _, lerr = buildAdapter(conns, proj.LogDB, o.Target, log)
		if lerr != nil {
			log.WithError(lerr).Error("building logdb connection")
			return 1
		}
		if cerr := ladapter.Connect(ctx); cerr != nil {
			log.WithError(cerr).Error("connecting to logdb")
			return 1
		}
		defer ladapter.Close()
		logdbAdapter = ladapter
	}

	var pl = project.NewPlanner(proj, sourceAdapter, targetAdapter, logdbAdapter)
	pl.SourceConn, pl.TargetConn = sourceConn, targetConn
	var jobs, perr = pl.Plan()
	if perr != nil {
		log.WithError(perr).Error("planning project")
		return 1
	}
	for i := range jobs {
		jobs[i].KeepTempfiles = o.KeepTempfiles || proj.KeepTempfiles
	}

	var metricsSrv, metricsErrCh = metrics.Serve(o.MetricsAddr)
	if metricsSrv != nil {
		defer metricsSrv.Shutdown(context.Background())
		go func() {
			if err := <-metricsErrCh; err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	var interrupted = make(chan struct{})
	go func() {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Warn("caught signal, cancelling run")
			cancel()
			close(interrupted)
		case <-ctx.Done():
		}
	}()

	var rl = runlog.New(logdbAdapter, proj.LogSchema, proj.LogTable)
	var runner = project.NewRunner(projPath, proj.ParallelLoads, rl, obslog.New(os.Stdout))
	var summary = runner.Run(ctx, jobs, log)

	select {
	case <-interrupted:
		return 2
	default:
	}

	if summary != "Completed successfully" {
		return 1
	}
	return 0
}

// buildAdapter resolves connName in conns (preferring targetOverride over
// the connection's own configured target profile) and constructs its
// concrete adapter.
func buildAdapter(conns config.Connections, connName, targetOverride string, log *logrus.Entry) (adapter.Adapter, adapter.Connection, error) {
	var conn, output, err = conns.Resolve(connName, targetOverride)
	if err != nil {
		return nil, adapter.Connection{}, err
	}
	var c, cerr = project.ConnectionOf(connName, conn, output)
	if cerr != nil {
		return nil, adapter.Connection{}, cerr
	}
	var a, aerr = project.NewAdapter(c, log)
	if aerr != nil {
		return nil, adapter.Connection{}, aerr
	}
	return a, c, nil
}
