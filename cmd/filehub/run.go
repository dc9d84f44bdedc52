package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/adapter"
	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/flow"
	"github.com/franksops/filehub/metrics"
	"github.com/franksops/filehub/store"
	"github.com/franksops/filehub/ui"
)

// settings are the resolved options of the run command.
type settings struct {
	FlowsFile        string
	Flows            []string
	Interval         time.Duration
	StateDir         string
	SecretsDir       string
	MetricsAddr      string
	TUI              bool
	Output           string
	ExecutionWorkers int
	FlowWorkers      int
}

func loadSettings(v *viper.Viper) settings {
	return settings{
		FlowsFile:        v.GetString("config"),
		Flows:            v.GetStringSlice("flow"),
		Interval:         v.GetDuration("interval"),
		StateDir:         v.GetString("state-dir"),
		SecretsDir:       v.GetString("secrets-dir"),
		MetricsAddr:      v.GetString("metrics-addr"),
		TUI:              v.GetBool("tui"),
		Output:           v.GetString("output"),
		ExecutionWorkers: v.GetInt("execution-workers"),
		FlowWorkers:      v.GetInt("flow-workers"),
	}
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run flows once, or on an interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFlows(cmd.Context(), loadSettings(v), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringSlice("flow", nil, "flows to run (default all)")
	f.Duration("interval", 0, "rerun flows every interval; 0 runs them once")
	f.String("state-dir", "", "directory of the transfer journal; empty disables journaling")
	f.String("secrets-dir", "secrets", "directory holding passwords/<ref> and keys/<name>")
	f.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090")
	f.Bool("tui", false, "show live progress; logs go to <state-dir>/filehub.log")
	f.String("output", "text", "summary format: text or yaml")
	f.Int("execution-workers", flow.DefaultSchedulerConfig.ExecutionWorkers, "workers for blocking file operations")
	f.Int("flow-workers", flow.DefaultSchedulerConfig.FlowWorkers, "flows running at the same time")
	return cmd
}

func runFlows(ctx context.Context, s settings, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if s.Output != "text" && s.Output != "yaml" {
		return errors.Errorf("unknown output format %q", s.Output)
	}

	defs, err := flow.LoadDefinitions(s.FlowsFile)
	if err != nil {
		return err
	}
	defs, err = selectDefinitions(defs, s.Flows)
	if err != nil {
		return err
	}

	if s.TUI {
		w, closeLog, err := tuiLogWriter(s.StateDir)
		if err != nil {
			return err
		}
		defer closeLog()
		ctx = zerolog.Ctx(ctx).Output(w).WithContext(ctx)
	}
	logger := zerolog.Ctx(ctx)

	observer, err := metrics.NewObserver(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	conns := connection.NewManager(connection.SSHDialer{}, connection.FileSecrets{Dir: s.SecretsDir},
		connection.WithObserver(observer))
	defer func() {
		if err := conns.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing connections")
		}
	}()

	tracker, closeJournal, err := openJournal(ctx, s.StateDir)
	if err != nil {
		return err
	}
	defer closeJournal()

	sched := flow.NewScheduler(ctx, flow.SchedulerConfig{
		ExecutionWorkers: s.ExecutionWorkers,
		FlowWorkers:      s.FlowWorkers,
		SweepInterval:    flow.DefaultSchedulerConfig.SweepInterval,
	}, conns, observer)
	stopScheduler := sync.OnceFunc(sched.Stop)
	defer stopScheduler()

	observers := adapter.Observers{observer}
	var progress *ui.Progress
	if s.TUI {
		progress = ui.NewProgress()
		observers = append(observers, progress)
	}

	flows := make([]*flow.Flow, 0, len(defs))
	for _, d := range defs {
		f, err := flow.Build(d,
			adapter.WithConnections(conns),
			adapter.WithObserver(observers),
			adapter.WithTracker(tracker),
			adapter.WithPool(sched.ExecutionPool()),
		)
		if err != nil {
			return err
		}
		flows = append(flows, f)
	}

	if s.MetricsAddr != "" {
		srv := serveMetrics(ctx, s.MetricsAddr)
		defer srv.Close()
	}

	var tuiDone chan struct{}
	if progress != nil {
		tuiDone = make(chan struct{})
		program := tea.NewProgram(ui.NewModel(progress, 0), tea.WithAltScreen(), tea.WithContext(ctx))
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				logger.Error().Err(err).Msg("progress view failed")
			}
			// quitting the view interrupts the run
			cancel()
		}()
	}

	var (
		mu      sync.Mutex
		reports []*flow.Report
		pending sync.WaitGroup
	)
	once := s.Interval <= 0
	done := func(r *flow.Report, _ error) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
		if progress != nil {
			progress.RunFinished(r.Flow, r.OK())
		}
		if once {
			pending.Done()
		}
	}

	var submitErrs []error
	if once {
		for _, f := range flows {
			pending.Add(1)
			if err := sched.Submit(ctx, f, done); err != nil {
				pending.Done()
				submitErrs = append(submitErrs, errors.Errorf("scheduling flow %q: %w", f.Name, err))
			}
		}
		pending.Wait()
	} else {
		logger.Info().Dur("interval", s.Interval).Int("flows", len(flows)).Msg("running flows until interrupted")
		sched.Every(ctx, s.Interval, flows, done)
	}
	stopScheduler()

	if progress != nil {
		progress.Finish()
		<-tuiDone
	}

	mu.Lock()
	defer mu.Unlock()
	if err := writeSummary(out, reports, s.Output); err != nil {
		return err
	}
	return summaryError(reports, submitErrs)
}

// summaryError reports failed runs and flows that could not be scheduled.
func summaryError(reports []*flow.Report, submitErrs []error) error {
	errs := submitErrs
	failed := 0
	for _, r := range reports {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		errs = append(errs, errors.Errorf("%d of %d flow runs failed", failed, len(reports)))
	}
	return errors.Join(errs...)
}

func selectDefinitions(defs []flow.Definition, names []string) ([]flow.Definition, error) {
	if len(names) == 0 {
		return defs, nil
	}
	selected := make([]flow.Definition, 0, len(names))
	for _, name := range names {
		d, err := flow.Select(defs, name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, d)
	}
	return selected, nil
}

// openJournal opens the bbolt transfer journal under dir. An empty dir
// disables journaling.
func openJournal(ctx context.Context, dir string) (*engine.JobTracker, func(), error) {
	if dir == "" {
		return nil, func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Errorf("creating state directory: %w", err)
	}
	st, err := store.NewBoltStore(filepath.Join(dir, "journal.db"))
	if err != nil {
		return nil, nil, err
	}
	closeJournal := func() {
		if err := st.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("closing journal")
		}
	}
	return engine.NewJobTracker(st, engine.DefaultCheckpointConfig), closeJournal, nil
}

// tuiLogWriter keeps log lines off the terminal while the progress view owns
// it.
func tuiLogWriter(stateDir string) (io.Writer, func(), error) {
	if stateDir == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, errors.Errorf("creating state directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(stateDir, "filehub.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Errorf("opening log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	zerolog.Ctx(ctx).Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
