package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"k8s.io/klog/v2"

	"wasp/internal/config"
	"wasp/internal/hub"
	"wasp/internal/manager"
	"wasp/internal/platform"
	"wasp/internal/protocol"
	"wasp/internal/storage"
	"wasp/internal/transport"
	"wasp/internal/worker"
)

func runHub(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("hub")
	listen := fs.String("listen", "", "address to listen on (overrides config)")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus /metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Transport.Address = *listen
	}
	if *metricsAddr != "" {
		cfg.Hub.MetricsAddr = *metricsAddr
	}

	server, err := newServer(cfg.Transport)
	if err != nil {
		return err
	}
	hc := cfg.Hub.Runtime()
	hc.Metrics = hub.NewMetrics()
	if cfg.Hub.MinIO != nil {
		stager, err := hub.NewMinIOStager(ctx, *cfg.Hub.MinIO)
		if err != nil {
			return fmt.Errorf("minio stager: %w", err)
		}
		hc.Stager = stager
	} else {
		hc.Stager = hub.NewDiskStager(cfg.Hub.StageDir)
	}
	h := hub.New(hc, server)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(h.Run)
	p.Go(func(ctx context.Context) error {
		return server.Serve(ctx, h.Handlers(ctx))
	})
	if cfg.Hub.MetricsAddr != "" {
		p.Go(func(ctx context.Context) error {
			return hc.Metrics.Serve(ctx, cfg.Hub.MetricsAddr)
		})
	}
	return p.Wait()
}

// runPeer runs an event loop alongside the client feeding it. The client
// stops when run returns; a client that fails on its own stops run.
func runPeer(ctx context.Context, client transport.Client, handlers func(context.Context) transport.ClientHandlers, run func(context.Context) error) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	clientCtx, cancelClient := context.WithCancel(ctx)
	defer cancelClient()

	var (
		wg        conc.WaitGroup
		clientErr error
	)
	wg.Go(func() {
		clientErr = client.Run(clientCtx, handlers(clientCtx))
		if clientErr != nil && !isCanceled(clientErr) {
			cancelRun()
		}
	})
	err := run(runCtx)
	cancelClient()
	wg.Wait()
	if err != nil {
		return err
	}
	if clientErr != nil && !isCanceled(clientErr) {
		return fmt.Errorf("transport: %w", clientErr)
	}
	return nil
}

func runManager(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("manager")
	name := fs.String("name", "", "peer name (overrides config; defaults to host-pid)")
	runID := fs.String("run-id", "", "run id naming the staged file set (overrides config)")
	seed := fs.Int64("seed", 0, "rng seed (overrides config; 0 keeps it)")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sf.apply(&cfg)
	if *name != "" {
		cfg.Manager.Name = *name
	}
	if *runID != "" {
		cfg.Manager.RunID = *runID
	}
	if *seed != 0 {
		cfg.Manager.Seed = *seed
	}

	store, err := storage.NewStore(cfg.Store.Kind, cfg.Store.DSN)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	peer := peerName(cfg.Manager.Name, "manager")
	client, err := newClient(cfg.Transport, peer, protocol.RoleManager)
	if err != nil {
		return err
	}
	d, err := manager.New(cfg.Manager.Runtime(), store, client)
	if err != nil {
		return err
	}
	klog.FromContext(ctx).WithName("waspctl").Info("Starting manager", "name", peer, "runID", d.RunID(), "hub", cfg.Transport.Address)
	return runPeer(ctx, client, d.Handlers, d.Run)
}

func runWorker(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("worker")
	name := fs.String("name", "", "peer name (overrides config; defaults to host-pid)")
	_ = name
	capacity := fs.Int("capacity", 0, "concurrent job slots (overrides config)")
	instances := fs.Int("instances", 1, "worker processes to supervise on this host")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *capacity > 0 {
		cfg.Worker.Capacity = *capacity
	}
	if *instances <= 0 {
		return errors.New("--instances must be positive")
	}
	logger := klog.FromContext(ctx).WithName("waspctl")

	sup := platform.NewSupervisor(ctx, platform.Policy{
		MaxRestarts:   cfg.Worker.MaxRestarts,
		RestartWindow: cfg.Worker.RestartWindow.Duration,
		Planned: func(err error) bool {
			return errors.Is(err, worker.ErrLifetimeExpired)
		},
	}, platform.Hooks{})

	base := peerName(cfg.Worker.Name, "worker")
	for i := 0; i < *instances; i++ {
		childName := base
		wc := cfg.Worker.Runtime()
		if *instances > 1 {
			childName = fmt.Sprintf("%s-%d", base, i)
			wc.WorkDir = filepath.Join(wc.WorkDir, childName)
		}
		err := sup.StartSpec(platform.ChildSpec{Name: childName, Restart: platform.RestartTransient}, func(ctx context.Context) error {
			client, err := newClient(cfg.Transport, childName, protocol.RoleWorker)
			if err != nil {
				return err
			}
			w, err := worker.New(wc, client)
			if err != nil {
				return err
			}
			return runPeer(ctx, client, w.Handlers, w.Run)
		})
		if err != nil {
			sup.StopAll()
			return err
		}
		logger.Info("Started worker", "name", childName, "capacity", wc.Capacity, "workDir", wc.WorkDir)
	}

	sup.Wait()
	var failed []string
	for _, child := range sup.Children() {
		if child.Failed {
			failed = append(failed, fmt.Sprintf("%s (%d restarts: %s)", child.Name, child.Restarts, child.LastError))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("workers gave up: %s", strings.Join(failed, ", "))
	}
	return nil
}

func runAdmin(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("admin")
	name := fs.String("name", "", "peer name (defaults to host-pid)")
	timeout := fs.Duration("timeout", 10*time.Second, "give up when the hub does not answer in time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("admin requires exactly one command, e.g. waspctl admin get-job-counts")
	}
	cmd, ok := protocol.ParseAdmin(fs.Arg(0))
	if !ok {
		return fmt.Errorf("unknown admin command: %s", fs.Arg(0))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	client, err := newClient(cfg.Transport, peerName(*name, "admin"), protocol.RoleAdmin)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	connected := make(chan struct{}, 1)
	replies := make(chan string, 1)
	handlers := transport.ClientHandlers{
		OnConnect: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(error) {},
		OnMessage: func(msg protocol.Message) {
			if report, ok := msg.(protocol.StatusReport); ok {
				select {
				case replies <- report.Text:
				default:
				}
			}
		},
	}
	var wg conc.WaitGroup
	wg.Go(func() {
		_ = client.Run(ctx, handlers)
	})
	defer func() {
		cancel()
		wg.Wait()
	}()

	select {
	case <-connected:
	case <-ctx.Done():
		return fmt.Errorf("hub at %s not reachable: %w", cfg.Transport.Address, ctx.Err())
	}
	if err := client.Send(cmd); err != nil {
		return err
	}
	// Control commands get no answer; an info query behind them on the same
	// connection confirms the hub has read the command.
	if !cmd.IsQuery() {
		if err := client.Send(protocol.AdminCommand{Command: protocol.CmdInfo}); err != nil {
			return err
		}
	}
	select {
	case text := <-replies:
		if !cmd.IsQuery() {
			fmt.Fprintf(stdout, "sent %s\n", cmd.Command)
		}
		fmt.Fprintln(stdout, text)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no reply to %s: %w", cmd.Command, ctx.Err())
	}
}
