package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/observability/logger"
	"github.com/smallbiznis/matterly/internal/offline"
	"github.com/smallbiznis/matterly/internal/permission"
	"go.uber.org/zap"
)

const usage = `usage: matterctl <command> [flags]

commands:
  team    fetch membership and seed the short id pool
  create  create a matter on this device
  sync    send queued matters to the server
  list    list matters known to this device
  watch   follow the team stream and apply renumberings`

// surfaceSeedWait bounds how long create waits for the pool to be seeded
// before falling back to whatever the device already holds.
const surfaceSeedWait = 3 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "matterctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(out, usage)
		return flag.ErrHelp
	}

	cfg := config.LoadClient()
	command, rest := args[0], args[1:]
	switch command {
	case "team":
		return runTeam(ctx, cfg, rest, out)
	case "create":
		return runCreate(ctx, cfg, rest, out)
	case "sync":
		return runSync(ctx, cfg, rest, out)
	case "list":
		return runList(ctx, cfg, rest, out)
	case "watch":
		return runWatch(ctx, cfg, rest, out)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		fmt.Fprintln(out, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// device wires the local store to the server for one command.
type device struct {
	store   *offline.Store
	pool    *offline.Pool
	remote  offline.Remote
	seeder  *offline.Seeder
	applier *offline.Applier
	syncer  *offline.Syncer
	log     *zap.Logger
}

func openDevice(cfg config.ClientConfig) (*device, error) {
	log, err := logger.New(nil, logger.Config{
		ServiceName: "matterctl",
		Level:       cfg.LogLevel,
		Format:      "console",
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, err
	}

	store, err := offline.OpenStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}
	enforcer, err := permission.NewMemoryEnforcer()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	clk := clock.SystemClock{}
	remote := offline.NewHTTPRemote(cfg.ServerURL, cfg.Token, &http.Client{Timeout: 15 * time.Second})
	pool := offline.NewPool(store, clk, cfg.PoolStaleAfter)
	return &device{
		store:   store,
		pool:    pool,
		remote:  remote,
		seeder:  offline.NewSeeder(store, pool, remote, cfg.PoolBlockSize, clk, log),
		applier: offline.NewApplier(store, pool, permission.NewGate(enforcer), clk, log),
		syncer:  offline.NewSyncer(store, pool, remote, clk, log),
		log:     log,
	}, nil
}

// activate records the team the command works in, dropping the pool of
// the team the user switched away from.
func (d *device) activate(ctx context.Context, teamID string) error {
	_, err := d.seeder.SwitchTeam(ctx, teamID)
	return err
}

// awaitSeed waits for a background seed for at most wait. Seeding is best
// effort: a failure or timeout leaves the existing pool in place.
func (d *device) awaitSeed(ctx context.Context, done <-chan error, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			d.log.Debug("create continues without a fresh pool", zap.Error(err))
		}
	case <-timer.C:
		d.log.Debug("seed still running, using the cached pool")
	case <-ctx.Done():
	}
}

func (d *device) Close() {
	_ = d.log.Sync()
	_ = d.store.Close()
}

func newFlagSet(name string, cfg *config.ClientConfig) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "server base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "device store path")
	return fs
}

func requireTeam(teamID string) error {
	if strings.TrimSpace(teamID) == "" {
		return errors.New("--team is required")
	}
	return nil
}

func runTeam(ctx context.Context, cfg config.ClientConfig, args []string, out io.Writer) error {
	fs := newFlagSet("team", &cfg)
	teamID := fs.String("team", "", "team id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireTeam(*teamID); err != nil {
		return err
	}

	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.activate(ctx, *teamID); err != nil {
		return err
	}
	seeded, err := d.seeder.Seed(ctx, *teamID)
	if err != nil {
		return err
	}
	team, err := d.store.Team(ctx, *teamID)
	if errors.Is(err, offline.ErrTeamNotCached) {
		fmt.Fprintln(out, "offline and team not cached yet")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s  %s  role=%s status=%s\n", team.Code, team.Name, team.Role, team.Status)
	if seeded == nil {
		remaining, err := d.pool.Remaining(ctx, *teamID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "offline, %d cached ids left\n", remaining)
		return nil
	}
	fmt.Fprintf(out, "next ids %s..%s\n",
		offline.LocalMatter{TeamCode: team.Code, ShortID: seeded.Low}.Key(),
		offline.LocalMatter{TeamCode: team.Code, ShortID: seeded.High - 1}.Key(),
	)
	return nil
}

func runCreate(ctx context.Context, cfg config.ClientConfig, args []string, out io.Writer) error {
	fs := newFlagSet("create", &cfg)
	var input offline.CreateInput
	fs.StringVar(&input.TeamID, "team", "", "team id")
	fs.StringVar(&input.Title, "title", "", "matter title")
	fs.StringVar(&input.Description, "description", "", "matter description")
	fs.StringVar(&input.Type, "type", "task", "task or request")
	fs.StringVar(&input.TeamCode, "code", "", "team code, when the team was never fetched")
	syncNow := fs.Bool("sync", true, "send the queue right away")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireTeam(input.TeamID); err != nil {
		return err
	}

	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.activate(ctx, input.TeamID); err != nil {
		return err
	}
	d.awaitSeed(ctx, d.seeder.OnSurfaceOpened(ctx, input.TeamID), surfaceSeedWait)

	matter, err := d.applier.Create(ctx, input)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s  %s  (%s)\n", matter.Key(), matter.Title, matter.State)
	if !*syncNow {
		return nil
	}
	return flush(ctx, d, out)
}

func runSync(ctx context.Context, cfg config.ClientConfig, args []string, out io.Writer) error {
	fs := newFlagSet("sync", &cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	return flush(ctx, d, out)
}

func flush(ctx context.Context, d *device, out io.Writer) error {
	report, err := d.syncer.Flush(ctx)
	if report != nil {
		printReport(out, report)
	}
	return err
}

func printReport(out io.Writer, report *offline.SyncReport) {
	for _, notice := range report.Notices {
		printNotice(out, notice)
	}
	for _, failure := range report.Failures {
		fmt.Fprintf(out, "failed     %s  %s: %s\n", failure.Key, failure.Code, failure.Message)
	}
	if report.Interrupted != nil {
		fmt.Fprintf(out, "sync paused, %d queued: %v\n", report.Remaining, report.Interrupted)
	}
}

// printNotice calls out renumbered matters so the old key is not reused
// by the user.
func printNotice(out io.Writer, notice offline.RebaseNotice) {
	if notice.Reassigned {
		fmt.Fprintf(out, "RENUMBERED %s\n", notice.String())
		return
	}
	fmt.Fprintf(out, "synced     %s\n", notice.String())
}

func runList(ctx context.Context, cfg config.ClientConfig, args []string, out io.Writer) error {
	fs := newFlagSet("list", &cfg)
	teamID := fs.String("team", "", "team id")
	remote := fs.Bool("remote", false, "list from the server instead of the device")
	after := fs.Int64("after", 0, "list after this short id (with --remote)")
	limit := fs.Int("limit", 50, "page size (with --remote)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireTeam(*teamID); err != nil {
		return err
	}

	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if *remote {
		page, err := d.remote.ListMatters(ctx, *teamID, *after, *limit)
		if err != nil {
			return err
		}
		for _, m := range page.Matters {
			fmt.Fprintf(out, "%-10s %-8s %s\n", m.Key, m.Type, m.Title)
		}
		if page.NextAfter > 0 {
			fmt.Fprintf(out, "more: --after %d\n", page.NextAfter)
		}
		return nil
	}

	matters, err := d.store.Matters(ctx, *teamID)
	if err != nil {
		return err
	}
	for _, m := range matters {
		line := fmt.Sprintf("%-10s %-9s %-8s %s", m.Key(), m.State, m.Type, m.Title)
		if m.Reassigned {
			line += fmt.Sprintf("  (was %s)", offline.LocalMatter{TeamCode: m.TeamCode, ShortID: m.PreviousShortID}.Key())
		}
		if m.FailureCode != "" {
			line += "  [" + m.FailureCode + "]"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runWatch(ctx context.Context, cfg config.ClientConfig, args []string, out io.Writer) error {
	fs := newFlagSet("watch", &cfg)
	teamID := fs.String("team", "", "team id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireTeam(*teamID); err != nil {
		return err
	}

	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.activate(ctx, *teamID); err != nil {
		return err
	}
	if _, err := d.seeder.Seed(ctx, *teamID); err != nil {
		return err
	}
	if err := flush(ctx, d, out); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching team %s\n", *teamID)
	return d.syncer.Watch(ctx, *teamID, func(notice offline.RebaseNotice) {
		printNotice(out, notice)
	})
}
