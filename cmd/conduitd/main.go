// Command conduitd runs the multi-tenant agent-orchestrator daemon: it
// polls registered chats for new messages, serializes and dispatches
// agent runs through the group queue, runs the scheduler's due-task
// loop, and watches each group's IPC directory for agent-issued queries
// and follow-up messages — mirroring how cmd/oasis wires a store,
// providers, tools, and a network into one running process.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conduit/internal/bridge"
	"github.com/nevindra/conduit/internal/bridge/telegram"
	"github.com/nevindra/conduit/internal/config"
	"github.com/nevindra/conduit/internal/dispatch"
	"github.com/nevindra/conduit/internal/ipcwatch"
	"github.com/nevindra/conduit/internal/mount"
	"github.com/nevindra/conduit/internal/policy"
	"github.com/nevindra/conduit/internal/poll"
	"github.com/nevindra/conduit/internal/queue"
	"github.com/nevindra/conduit/internal/scheduler"
	"github.com/nevindra/conduit/internal/store"
	"github.com/nevindra/conduit/internal/store/postgres"
	"github.com/nevindra/conduit/internal/store/sqlite"
	"github.com/nevindra/conduit/internal/tracing"
)

// newTransport constructs the bridge's outbound HTTP client for the
// configured provider. The concrete client is an external collaborator
// (see internal/bridge's package doc: inbound messages and the HTTP
// round trip to the messaging provider are out of scope for this
// binary) — a deployment wires its own bridge.Transport implementation
// in by replacing this variable before calling run, or by building a
// sibling file in this package that does so in an init func.
var newTransport = func(cfg config.BridgeConfig) (bridge.Transport, error) {
	return nil, fmt.Errorf("conduitd: no bridge.Transport wired for provider %q", cfg.Provider)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONDUIT_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracing, err := tracing.Setup(context.Background(), "conduitd", logger)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer shutdownTracing(context.Background())

	st, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	if err := st.Init(context.Background()); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	br, err := buildBridge(cfg.Bridge)
	if err != nil {
		return err
	}

	mountCfg, err := buildMountConfig(cfg)
	if err != nil {
		return fmt.Errorf("mount config: %w", err)
	}

	secretsLoader, err := loadSecretsLoader(cfg.Mount.SecretsFile)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	agentCfg, err := buildAgentConfig(cfg)
	if err != nil {
		return fmt.Errorf("agent config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.New(ctx, cfg.Queue.MaxConcurrentContainers)
	tracer := tracing.NewTracer("conduitd/dispatch")

	dispatcher := dispatch.New(st, q, br, mountCfg, secretsLoader, agentCfg,
		dispatch.WithLogger(logger), dispatch.WithTracer(tracer))

	pollLoop, err := poll.New(st, dispatcher, cfg.Daemon.AssistantName, cfg.Daemon.MainGroupFolder, cfg.Poll.IntervalDuration())
	if err != nil {
		return fmt.Errorf("poll loop: %w", err)
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	sched := scheduler.New(st, dispatcher.DispatchTask, loc, cfg.Scheduler.IntervalDuration())

	policyKernel := policy.New(cfg.Policy.Binary, cfg.Mount.ProjectRoot, cfg.Policy.ReadAllowlist, cfg.Policy.WriteAllowlist)
	sender := bridge.NewSender(br)
	watcher := ipcwatch.New(cfg.IPC.BaseDir, cfg.Daemon.MainGroupFolder, st, sender, dispatcher, policyKernel, cfg.IPC.IntervalDuration())
	dispatcher.SetIPC(watcher)

	logger.Info("conduitd: starting",
		"main_group_folder", cfg.Daemon.MainGroupFolder,
		"database_driver", cfg.Database.Driver,
	)

	go pollLoop.Run(ctx)
	go sched.Run(ctx)
	go watcher.Run(ctx)

	<-ctx.Done()
	logger.Info("conduitd: shutting down")
	return nil
}

// openStore selects and opens the configured storage backend, returning
// a close func the caller always invokes on shutdown. For Postgres the
// pool is opened here and the close func closes it, since
// internal/store/postgres's Store does not own its pool's lifetime.
func openStore(cfg config.DatabaseConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "", "sqlite":
		s := sqlite.New(cfg.Path)
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func buildBridge(cfg config.BridgeConfig) (bridge.Bridge, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Provider == "telegram" {
		return telegram.New(transport), nil
	}
	return bridge.New(transport, 4096), nil
}

func buildMountConfig(cfg config.Config) (mount.Config, error) {
	mc := mount.Config{
		ProjectRoot: cfg.Mount.ProjectRoot,
		IPCBaseDir:  cfg.IPC.BaseDir,
		SkillsDir:   cfg.Mount.SkillsDir,
	}
	if cfg.Mount.AllowlistPath == "" {
		return mc, nil
	}
	roots, err := loadAllowedRoots(cfg.Mount.AllowlistPath)
	if err != nil {
		return mount.Config{}, err
	}
	mc.AllowedExternalRoots = roots
	return mc, nil
}

func buildAgentConfig(cfg config.Config) (dispatch.AgentConfig, error) {
	ac := dispatch.AgentConfig{
		Binary:         cfg.Runner.Binary,
		Args:           cfg.Runner.Args,
		IdleTimeout:    cfg.Runner.IdleTimeout(),
		HardTimeout:    cfg.Runner.HardTimeout(),
		MaxOutputBytes: cfg.Runner.MaxOutput(),
		AssistantName:  cfg.Daemon.AssistantName,
		MainFolder:     cfg.Daemon.MainGroupFolder,
	}
	if cfg.Runner.ContainerRuntime != "docker" {
		return ac, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return dispatch.AgentConfig{}, fmt.Errorf("docker client: %w", err)
	}
	ac.DockerClient = cli
	ac.DockerImage = cfg.Runner.ContainerImage
	return ac, nil
}
