package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/eventbridge"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/finalize"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/gitsync"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/logbook"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/logging"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/tui"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/watchdog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the trace and finalize participants until interrupted",
	RunE:  runRun,
}

func init() {
	addDetectionFlags(runCmd)
	f := runCmd.Flags()
	f.Duration("interval", 0, "polling interval")
	f.Bool("dry-run", false, "log git mutations instead of running them")
	f.Bool("no-sync", false, "finalize and log without touching git")
	f.Bool("bridge", false, "serve the HTTP event bridge")
	f.Bool("tui", false, "show the live status board")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	withTUI, _ := cmd.Flags().GetBool("tui")
	var logOpts []logging.Option
	if !withTUI {
		logOpts = append(logOpts, logging.WithMirror(os.Stderr))
	}
	logger, err := logging.New(cfg.ProjectDir, logOpts...)
	if err != nil {
		return err
	}
	defer logger.Close()

	runID := newRunID(time.Now())
	ids, err := buildIDMatcher(cfg)
	if err != nil {
		return err
	}
	reader := trace.NewReader(trace.NewTailer(cfg.TracePath()), cfg.Project.Trace.Separator, ids)
	policy, err := buildPolicy(cfg)
	if err != nil {
		return err
	}

	guardOpts := []finalize.Option{finalize.WithLogger(logger)}
	if path := cfg.StatePath(); path != "" {
		guardOpts = append(guardOpts, finalize.WithStore(finalize.NewStore(path, runID)))
	}
	guard, err := finalize.NewGuard(guardOpts...)
	if err != nil {
		return err
	}
	if n := guard.Len(); n > 0 {
		logger.Printf("watchdog: %d participant(s) already finalized by a previous run", n)
	}

	monOpts := []watchdog.Option{
		watchdog.WithLogger(logger),
		watchdog.WithGuard(guard),
		watchdog.WithRunID(runID),
		watchdog.WithTracePath(cfg.TracePath()),
		watchdog.WithPollInterval(cfg.Project.Detection.PollInterval),
	}
	if sc := cfg.Project.Sync; sc.Enabled {
		monOpts = append(monOpts, watchdog.WithSyncer(gitsync.New(
			gitsync.WithLogger(logger),
			gitsync.WithUpstream(sc.Remote, sc.Branch),
			gitsync.WithDryRun(sc.DryRun),
			gitsync.WithCommandTimeout(sc.CommandTimeout),
			gitsync.WithCrossProcessLock(sc.CrossProcessLock),
		)))
	} else {
		logger.Printf("watchdog: result sync disabled")
	}
	mon, err := watchdog.New(reader, policy, logbook.NewShelf(cfg.OutputRoot()), monOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx)
	})

	bridge := cfg.Project.Bridge
	if enable, _ := cmd.Flags().GetBool("bridge"); enable {
		bridge.Enabled = true
	}
	if bridge.Enabled {
		srv := eventbridge.NewServer(bridge,
			eventbridge.WithLogger(logger),
			eventbridge.WithRunID(runID),
			eventbridge.WithStatusSource(mon),
			eventbridge.WithProcessor(eventbridge.NewIngestor(ids, mon, logger)))
		if err := srv.Start(gctx); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if withTUI {
		g.Go(func() error {
			defer stop()
			program := tea.NewProgram(tui.NewApp(mon), tea.WithAltScreen(), tea.WithContext(gctx))
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
