// Package config loads hub, manager and worker settings from a TOML or YAML
// file and converts them to the runtime configs of each component.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"sigs.k8s.io/yaml"

	"wasp/internal/hub"
	"wasp/internal/manager"
	"wasp/internal/model"
	"wasp/internal/protocol"
	"wasp/internal/storage"
	"wasp/internal/transport"
	"wasp/internal/worker"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// Duration accepts "90s" style strings in both TOML and YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %s", data)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

type Store struct {
	Kind string `json:"kind" toml:"kind"`
	DSN  string `json:"dsn" toml:"dsn"`
}

type Transport struct {
	// Kind is "tcp" or "nats".
	Kind              string   `json:"kind" toml:"kind"`
	Address           string   `json:"address" toml:"address"`
	NATSURL           string   `json:"nats_url,omitempty" toml:"nats_url"`
	NATSPrefix        string   `json:"nats_prefix,omitempty" toml:"nats_prefix"`
	MaxPayload        int      `json:"max_payload,omitempty" toml:"max_payload"`
	HeartbeatInterval Duration `json:"heartbeat_interval" toml:"heartbeat_interval"`
	DisconnectTimeout Duration `json:"disconnect_timeout" toml:"disconnect_timeout"`
}

type Hub struct {
	PollInterval         Duration `json:"poll_interval" toml:"poll_interval"`
	JobTimeout           Duration `json:"job_timeout" toml:"job_timeout"`
	TimeoutCheckInterval Duration `json:"timeout_check_interval" toml:"timeout_check_interval"`
	StatusInterval       Duration `json:"status_interval" toml:"status_interval"`
	MaxAttempts          int      `json:"max_attempts" toml:"max_attempts"`
	AdminPeers           []string `json:"admin_peers,omitempty" toml:"admin_peers"`
	MetricsAddr          string   `json:"metrics_addr,omitempty" toml:"metrics_addr"`
	// StageDir holds relayed run files unless MinIO is configured.
	StageDir string           `json:"stage_dir" toml:"stage_dir"`
	MinIO    *hub.MinIOConfig `json:"minio,omitempty" toml:"minio"`
}

type Manager struct {
	Name                  string              `json:"name" toml:"name"`
	RunID                 string              `json:"run_id,omitempty" toml:"run_id"`
	Seed                  int64               `json:"seed,omitempty" toml:"seed"`
	SubmitBatch           int                 `json:"submit_batch" toml:"submit_batch"`
	MaxWorkPerGeneration  int                 `json:"max_work_per_generation" toml:"max_work_per_generation"`
	StaleAfter            Duration            `json:"stale_after" toml:"stale_after"`
	StaleCheckInterval    Duration            `json:"stale_check_interval" toml:"stale_check_interval"`
	ConditionalRefreshAge Duration            `json:"conditional_refresh_age" toml:"conditional_refresh_age"`
	Experiment            model.ManagerConfig `json:"experiment" toml:"experiment"`
}

type Worker struct {
	Name                string   `json:"name" toml:"name"`
	Capacity            int      `json:"capacity" toml:"capacity"`
	WorkDir             string   `json:"work_dir" toml:"work_dir"`
	EmulatorCommand     []string `json:"emulator_command,omitempty" toml:"emulator_command"`
	ClassifierCommand   []string `json:"classifier_command,omitempty" toml:"classifier_command"`
	EmulatorParallelism int      `json:"emulator_parallelism" toml:"emulator_parallelism"`
	ToolTimeout         Duration `json:"tool_timeout" toml:"tool_timeout"`
	FileWait            Duration `json:"file_wait" toml:"file_wait"`
	FirstJobJitter      Duration `json:"first_job_jitter" toml:"first_job_jitter"`
	MaxLifetime         Duration `json:"max_lifetime" toml:"max_lifetime"`
	KeepJobDirs         bool     `json:"keep_job_dirs,omitempty" toml:"keep_job_dirs"`
	// MaxRestarts bounds supervised respawns within RestartWindow.
	MaxRestarts   int      `json:"max_restarts" toml:"max_restarts"`
	RestartWindow Duration `json:"restart_window" toml:"restart_window"`
}

// File is the on-disk layout. Every section is optional.
type File struct {
	Store     Store     `json:"store" toml:"store"`
	Transport Transport `json:"transport" toml:"transport"`
	Hub       Hub       `json:"hub" toml:"hub"`
	Manager   Manager   `json:"manager" toml:"manager"`
	Worker    Worker    `json:"worker" toml:"worker"`
}

// Default returns the settings used when no file is given.
func Default() File {
	return File{
		Store:     Store{Kind: storage.DefaultStoreKind(), DSN: "wasp.db"},
		Transport: DefaultTransport(),
		Hub:       DefaultHub(),
		Manager:   DefaultManager(),
		Worker:    DefaultWorker(),
	}
}

func DefaultTransport() Transport {
	t := transport.DefaultConfig()
	return Transport{
		Kind:              "tcp",
		Address:           "localhost" + t.Address,
		NATSPrefix:        transport.DefaultSubjectPrefix,
		MaxPayload:        t.MaxPayload,
		HeartbeatInterval: Duration{t.HeartbeatInterval},
		DisconnectTimeout: Duration{t.DisconnectTimeout},
	}
}

func DefaultHub() Hub {
	h := hub.DefaultConfig()
	return Hub{
		PollInterval:         Duration{h.PollInterval},
		JobTimeout:           Duration{h.JobTimeout},
		TimeoutCheckInterval: Duration{h.TimeoutCheckInterval},
		StatusInterval:       Duration{h.StatusInterval},
		MaxAttempts:          h.MaxAttempts,
		StageDir:             "hub-files",
	}
}

func DefaultManager() Manager {
	m := manager.DefaultConfig()
	host, _ := os.Hostname()
	return Manager{
		Name:                  "manager-" + host,
		SubmitBatch:           m.SubmitBatch,
		MaxWorkPerGeneration:  m.MaxWorkPerGeneration,
		StaleAfter:            Duration{m.StaleAfter},
		StaleCheckInterval:    Duration{m.StaleCheckInterval},
		ConditionalRefreshAge: Duration{m.ConditionalRefreshAge},
		Experiment: model.ManagerConfig{
			WorkDir:          ".",
			DataDir:          "data",
			Population:       30,
			Crossover:        1,
			MutationRate:     0.005,
			SurvivalRate:     0.10,
			ReproductionRate: 0.25,
			SeedSize:         10,
		},
	}
}

func DefaultWorker() Worker {
	w := worker.DefaultConfig()
	host, _ := os.Hostname()
	return Worker{
		Name:                "worker-" + host,
		Capacity:            w.Capacity,
		WorkDir:             w.WorkDir,
		EmulatorCommand:     w.EmulatorCommand,
		ClassifierCommand:   w.ClassifierCommand,
		EmulatorParallelism: w.EmulatorParallelism,
		ToolTimeout:         Duration{w.ToolTimeout},
		FileWait:            Duration{w.FileWait},
		FirstJobJitter:      Duration{w.FirstJobJitter},
		MaxLifetime:         Duration{w.MaxLifetime},
		MaxRestarts:         100,
		RestartWindow:       Duration{24 * time.Hour},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml/.json for YAML.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return File{}, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return File{}, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return File{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (f File) Validate() error {
	switch f.Store.Kind {
	case "", storage.KindMemory, storage.KindSQLite, storage.KindPostgres:
	default:
		return fmt.Errorf("store kind %q is not supported", f.Store.Kind)
	}
	switch f.Transport.Kind {
	case "", "tcp":
	case "nats":
		if f.Transport.NATSURL == "" {
			return errors.New("transport nats_url is required for nats")
		}
	default:
		return fmt.Errorf("transport kind %q is not supported", f.Transport.Kind)
	}
	if f.Hub.MaxAttempts < 0 {
		return fmt.Errorf("hub max_attempts must be non-negative: %d", f.Hub.MaxAttempts)
	}
	if f.Worker.Capacity < 0 {
		return fmt.Errorf("worker capacity must be non-negative: %d", f.Worker.Capacity)
	}
	if err := f.Manager.Experiment.Validate(); err != nil {
		return fmt.Errorf("manager experiment: %w", err)
	}
	return nil
}

// Runtime builds the transport config for a peer with the given identity.
func (t Transport) Runtime(name string, role protocol.Role) transport.Config {
	cfg := transport.DefaultConfig()
	if t.Address != "" {
		cfg.Address = t.Address
	}
	cfg.Name = name
	cfg.Role = role
	if t.MaxPayload > 0 {
		cfg.MaxPayload = t.MaxPayload
	}
	if t.HeartbeatInterval.Duration > 0 {
		cfg.HeartbeatInterval = t.HeartbeatInterval.Duration
	}
	if t.DisconnectTimeout.Duration > 0 {
		cfg.DisconnectTimeout = t.DisconnectTimeout.Duration
	}
	return cfg
}

func (t Transport) Subjects() transport.Subjects {
	return transport.Subjects{Prefix: t.NATSPrefix}
}

// Runtime leaves Stager and Metrics to the caller.
func (h Hub) Runtime() hub.Config {
	return hub.Config{
		PollInterval:         h.PollInterval.Duration,
		JobTimeout:           h.JobTimeout.Duration,
		TimeoutCheckInterval: h.TimeoutCheckInterval.Duration,
		StatusInterval:       h.StatusInterval.Duration,
		MaxAttempts:          h.MaxAttempts,
		AdminPeers:           h.AdminPeers,
	}
}

func (m Manager) Runtime() manager.Config {
	cfg := manager.Config{
		Experiment:            m.Experiment,
		RunID:                 m.RunID,
		SubmitBatch:           m.SubmitBatch,
		MaxWorkPerGeneration:  m.MaxWorkPerGeneration,
		StaleAfter:            m.StaleAfter.Duration,
		StaleCheckInterval:    m.StaleCheckInterval.Duration,
		ConditionalRefreshAge: m.ConditionalRefreshAge.Duration,
	}
	if m.Seed != 0 {
		cfg.Rng = rand.New(rand.NewSource(m.Seed))
	}
	return cfg
}

func (w Worker) Runtime() worker.Config {
	return worker.Config{
		Capacity:            w.Capacity,
		WorkDir:             w.WorkDir,
		EmulatorCommand:     w.EmulatorCommand,
		ClassifierCommand:   w.ClassifierCommand,
		EmulatorParallelism: w.EmulatorParallelism,
		ToolTimeout:         w.ToolTimeout.Duration,
		FileWait:            w.FileWait.Duration,
		FirstJobJitter:      w.FirstJobJitter.Duration,
		MaxLifetime:         w.MaxLifetime.Duration,
		KeepJobDirs:         w.KeepJobDirs,
	}
}
