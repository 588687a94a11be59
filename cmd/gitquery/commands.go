package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/gitquery/internal/coordinator"
	"github.com/hochfrequenz/gitquery/internal/notify"
	"github.com/hochfrequenz/gitquery/internal/oplog"
	"github.com/hochfrequenz/gitquery/internal/query"
	"github.com/hochfrequenz/gitquery/internal/webhook"
	"github.com/hochfrequenz/gitquery/web/api"
)

var (
	servePort int
	logsLimit int
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// clone and fetch commands
	rootCmd.AddCommand(&cobra.Command{
		Use:   "clone",
		Short: "Create the bare clone and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE:  runOperation(coordinator.Clone),
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "fetch",
		Short: "Fetch pull request refs and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE:  runOperation(coordinator.Fetch),
	})

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs OPERATION",
		Short: "Show recent successful runs of an operation",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logsLimit, "limit", oplog.DefaultLogLimit, "number of entries to show")
	rootCmd.AddCommand(logsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "clear-logs",
		Short: "Delete all operation logs and webhook events",
		Args:  cobra.NoArgs,
		RunE:  runClearLogs,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "Show recent webhook deliveries",
		Args:  cobra.NoArgs,
		RunE:  runEvents,
	})

	// query commands
	rootCmd.AddCommand(&cobra.Command{
		Use:   "is-ancestor ANCESTOR DESCENDANT",
		Short: "Check whether one commit is an ancestor of another",
		Args:  cobra.ExactArgs(2),
		RunE: runQuery(func(ctx context.Context, q *query.Querier, args []string) (query.Result, error) {
			return q.IsAncestor(ctx, args[0], args[1])
		}),
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "merge-base COMMIT",
		Short: "Find the merge base of a commit and the base branch",
		Args:  cobra.ExactArgs(1),
		RunE: runQuery(func(ctx context.Context, q *query.Querier, args []string) (query.Result, error) {
			return q.MasterMergeBase(ctx, args[0])
		}),
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "pr-head PR",
		Short: "Resolve the head commit of a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: runQuery(func(ctx context.Context, q *query.Querier, args []string) (query.Result, error) {
			return q.PRHeadCommit(ctx, args[0])
		}),
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "distance BASE BRANCH",
		Short: "Count commits on the ancestry path from BASE to BRANCH",
		Args:  cobra.ExactArgs(2),
		RunE: runQuery(func(ctx context.Context, q *query.Querier, args []string) (query.Result, error) {
			return q.CommitDistance(ctx, args[0], args[1])
		}),
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "metadata COMMIT...",
		Short: "Show author, date and subject of commits",
		Args:  cobra.MinimumNArgs(1),
		RunE: runQuery(func(ctx context.Context, q *query.Querier, args []string) (query.Result, error) {
			return q.CommitMetadata(ctx, args)
		}),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)

	hook := webhook.New(a.cfg.Webhook.Secret, a.store, a.coord, a.log.Named("webhook"))
	server := api.NewServer(api.Options{
		Addr:        addr,
		Coordinator: a.coord,
		Queries:     a.queries,
		Store:       a.store,
		Webhook:     hook,
		Registry:    a.registry,
		Logger:      a.log.Named("http"),
	})
	a.coord.Subscribe(server.Hub().Listen)

	sched, err := fetchSchedule(a.cfg.Fetch.Schedule, a.coord, a.log.Named("scheduler"))
	if err != nil {
		return err
	}
	if sched != nil {
		for _, job := range sched.Jobs() {
			a.log.Info("scheduled operation", zap.String("operation", job), zap.Time("next_run", sched.NextRun(job)))
		}
	}

	var dispatcher *notify.Dispatcher
	if url := a.cfg.Notifications.SlackWebhook; url != "" {
		dispatcher = notify.NewDispatcher(notify.NewSlackNotifier(url), a.cfg.Notifications.NotifyOnSuccess, a.log.Named("notify"))
		a.coord.Subscribe(dispatcher.Listen)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.coord.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(ctx) })
	}
	if sched != nil {
		g.Go(func() error { return sched.Run(ctx) })
	}

	if a.cfg.General.CloneOnStart {
		res := a.coord.Trigger(coordinator.Clone)
		a.log.Info("clone on start", zap.String("status", string(res.Status)), zap.String("message", res.Message))
	}

	fmt.Printf("Serving %s at http://%s\n", a.cfg.General.ClonePath, addr)
	return g.Wait()
}

func runOperation(op coordinator.Operation) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res := a.coord.RunNow(ctx, op)
		switch res.Status {
		case coordinator.StatusComplete:
			fmt.Printf("%s complete\n", op)
			if res.Result != nil && res.Result.Stderr != "" {
				fmt.Println(res.Result.Stderr)
			}
			return nil
		case coordinator.StatusFailed:
			return fmt.Errorf("%s", res.Message)
		default:
			fmt.Printf("%s %s: %s\n", op, res.Status, res.Message)
			return nil
		}
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	op, err := coordinator.ParseOperation(args[0])
	if err != nil {
		return fmt.Errorf("%w: %s", err, args[0])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ReadRecent(cmd.Context(), op.String(), logsLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No %s runs recorded\n", op)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tDURATION\tEXIT\tRUN\tOUTPUT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%ss\t%d\t%s\t%s\n",
			humanize.Time(e.CreatedAt),
			humanize.FtoaWithDigits(e.DurationSeconds, 2),
			e.ReturnCode,
			e.RunID,
			firstLine(e.Stdout, e.Stderr),
		)
	}
	return w.Flush()
}

func runClearLogs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.ClearAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Cleared operation logs and webhook events")
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.store.RecentEvents(cmd.Context(), oplog.DefaultEventLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No webhook events recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tDELIVERY\tRECEIVED")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.Event, e.DeliveryID, humanize.Time(e.ReceivedAt))
	}
	return w.Flush()
}

type queryFunc func(ctx context.Context, q *query.Querier, args []string) (query.Result, error)

func runQuery(fn queryFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := fn(cmd.Context(), a.queries, args)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("query failed")
		}
		return nil
	}
}

// firstLine returns the first non-empty line of the given outputs
func firstLine(outputs ...string) string {
	for _, out := range outputs {
		if line, _, _ := strings.Cut(strings.TrimSpace(out), "\n"); line != "" {
			return line
		}
	}
	return ""
}
