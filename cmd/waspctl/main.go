package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"wasp/internal/config"
	"wasp/internal/protocol"
	"wasp/internal/transport"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = klog.NewContext(ctx, klog.NewKlogr())
	err := run(ctx, os.Args[1:])
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "hub":
		return runHub(ctx, args[1:])
	case "manager":
		return runManager(ctx, args[1:])
	case "worker":
		return runWorker(ctx, args[1:])
	case "admin":
		return runAdmin(ctx, args[1:])
	case "init":
		return runInit(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "top":
		return runTop(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: waspctl <hub|manager|worker|admin|init|seed|status|top> [flags]", msg)
}

// newFlagSet returns a subcommand flag set carrying --config and the klog
// flags.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file (.toml, .yaml or .json); defaults apply when empty")
	logFlags := flag.NewFlagSet(name, flag.ContinueOnError)
	klog.InitFlags(logFlags)
	fs.AddGoFlagSet(logFlags)
	return fs, configPath
}

// storeFlags binds --store and --dsn overrides for commands that only touch
// the Generation Store.
type storeFlags struct {
	kind *string
	dsn  *string
}

func addStoreFlags(fs *pflag.FlagSet) storeFlags {
	return storeFlags{
		kind: fs.String("store", "", "store backend: memory|sqlite|postgres (overrides config)"),
		dsn:  fs.String("dsn", "", "sqlite path or postgres connection string (overrides config)"),
	}
}

func (s storeFlags) apply(cfg *config.File) {
	if *s.kind != "" {
		cfg.Store.Kind = *s.kind
	}
	if *s.dsn != "" {
		cfg.Store.DSN = *s.dsn
	}
}

func newServer(t config.Transport) (transport.Server, error) {
	cfg := t.Runtime("hub", "")
	switch t.Kind {
	case "", "tcp":
		return transport.NewTCPServer(cfg), nil
	case "nats":
		return transport.NewNATSServer(t.NATSURL, t.Subjects(), cfg), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", t.Kind)
	}
}

func newClient(t config.Transport, name string, role protocol.Role) (transport.Client, error) {
	cfg := t.Runtime(name, role)
	switch t.Kind {
	case "", "tcp":
		return transport.NewTCPClient(cfg), nil
	case "nats":
		return transport.NewNATSClient(t.NATSURL, t.Subjects(), cfg), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", t.Kind)
	}
}

// peerName falls back to host-pid so that several peers on one host get
// distinct names.
func peerName(configured, role string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = role
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
