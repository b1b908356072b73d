// Package main is the entry point for the cosync replay tool.
//
// cosync plays a recorded script of remote collaboration events against a
// directory, exactly as a live session would apply them, and prints the
// resulting buffers.
package main

import (
	"context"
	"crypto/md5"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/cosync/internal/config"
	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/palette"
	"github.com/dshills/cosync/internal/replay"
	"github.com/dshills/cosync/internal/session"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface/memory"
	"github.com/dshills/cosync/internal/surface/term"
	"github.com/dshills/cosync/internal/workspace"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath string
	workspace  string
	logLevel   string
	render     bool
	metrics    bool
	script     string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.workspace != "" {
		cfg.Workspace.Root = opts.workspace
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.metrics {
		cfg.Metrics.Enabled = true
	}

	log := logging.New(cfg.Logging())
	defer log.Close()

	script, err := replay.Load(opts.script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		srv := serveMetrics(cfg.Metrics.Addr, m, log)
		defer srv.Close()
	}

	var screen tcell.Screen
	views := map[string]*term.View{}
	if opts.render {
		screen, err = tcell.NewScreen()
		if err == nil {
			err = screen.Init()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create terminal: %v\n", err)
			return 1
		}
	}
	defer func() {
		if screen != nil {
			screen.Fini()
		}
	}()

	gate := suppress.NewGate()
	wsOpts := []workspace.Option{
		workspace.WithLogger(log),
		workspace.WithGate(gate),
	}
	if screen != nil {
		wsOpts = append(wsOpts, workspace.WithLoadFunc(func(doc *memory.Document) {
			w, h := screen.Size()
			v := term.New(screen, doc, term.Rect{Width: w, Height: h})
			doc.Attach(v)
			views[doc.Path()] = v
		}))
	}
	ws, err := workspace.New(cfg.Workspace.Root, wsOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer ws.Close()
	if cfg.Workspace.Watch {
		if err := ws.Watch(); err != nil {
			log.Warn("file watching disabled: %v", err)
		} else {
			go func(events <-chan workspace.Event) {
				for ev := range events {
					log.Info("%s was %s on disk", ev.Path, ev.Kind)
				}
			}(ws.Events())
		}
	}

	presenter := palette.NewPresenter(palette.New(cfg.Palette.Colors...), log)
	if screen == nil {
		presenter.SetSink(func(msg string) { fmt.Fprintln(os.Stderr, msg) })
	}

	sess, err := session.New(session.Options{
		Workspace:      ws,
		Presenter:      presenter,
		Gate:           gate,
		Logger:         log,
		Metrics:        m,
		DispatchBuffer: cfg.Queue.DispatchBuffer,
		SlowThreshold:  cfg.Queue.SlowThreshold.Std(),
		BacklogWarn:    cfg.Queue.BacklogWarn,
		Retention:      cfg.Highlight.Retention,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, runErr := replay.NewPlayer(sess, log).Run(ctx, script)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := sess.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown: %v", err)
	}

	if screen != nil {
		showViews(screen, views)
		screen.Fini()
		screen = nil
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}
	report(ws, res)
	if len(res.Mismatches) > 0 {
		return 2
	}
	return 0
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.workspace, "workspace", "", "Workspace directory (overrides workspace.root)")
	flag.StringVar(&opts.workspace, "w", "", "Workspace directory (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.render, "render", false, "Show each buffer in the terminal after the replay")
	flag.BoolVar(&opts.metrics, "metrics", false, "Serve Prometheus metrics on metrics.addr")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cosync - replay collaborative editing sessions\n\n")
		fmt.Fprintf(os.Stderr, "Usage: cosync [options] script.yaml\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cosync -w ./project session.yaml          Replay against ./project\n")
		fmt.Fprintf(os.Stderr, "  cosync -render -w ./project session.yaml  Show buffers afterwards\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("cosync %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	opts.script = flag.Arg(0)
	return opts
}

func serveMetrics(addr string, m *metrics.Metrics, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server: %v", err)
		}
	}()
	log.Info("serving metrics on %s", addr)
	return srv
}

// showViews draws each rendered buffer until a key is pressed. Escape or q
// stops early.
func showViews(screen tcell.Screen, views map[string]*term.View) {
	paths := make([]string, 0, len(views))
	for p := range views {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		screen.Clear()
		views[p].Draw()
		for {
			ev := screen.PollEvent()
			key, ok := ev.(*tcell.EventKey)
			if !ok {
				continue
			}
			if key.Key() == tcell.KeyEscape || key.Rune() == 'q' {
				return
			}
			break
		}
	}
}

func report(ws *workspace.Workspace, res *replay.Result) {
	paths := ws.Loaded()
	sort.Strings(paths)
	for _, p := range paths {
		doc, err := ws.Load(p)
		if err != nil {
			continue
		}
		text := doc.Text()
		fmt.Printf("%s\t%d chars\t%x\n", p, doc.Len(), md5.Sum([]byte(text)))
	}
	if res == nil {
		return
	}
	fmt.Printf("applied %d, skipped %d, mismatches %d\n", res.Applied, res.Skipped, len(res.Mismatches))
	for _, mm := range res.Mismatches {
		fmt.Printf("  event %d buf %d: expected %s, got %s\n", mm.Event, mm.Buffer, mm.Expected, mm.Actual)
	}
}
