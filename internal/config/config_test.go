package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"wasp/internal/protocol"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "wasp.toml", `
[store]
kind = "postgres"
dsn = "postgres://wasp@db/wasp?sslmode=disable"

[transport]
address = "boss:7311"
heartbeat_interval = "5s"

[hub]
job_timeout = "90m"
admin_peers = ["ops"]

[hub.minio]
endpoint = "minio:9000"
bucket = "runs"

[manager]
name = "m1"
stale_after = "20m"

[manager.experiment]
work_dir = "/srv/exp"
population = 50
greedy_search = true

[worker]
capacity = 4
emulator_command = ["emu", "{movement}"]
max_lifetime = "3h"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Kind != "postgres" || cfg.Store.DSN == "" {
		t.Fatalf("unexpected store: %+v", cfg.Store)
	}
	if cfg.Transport.HeartbeatInterval.Duration != 5*time.Second {
		t.Fatalf("heartbeat = %v", cfg.Transport.HeartbeatInterval)
	}
	if cfg.Hub.JobTimeout.Duration != 90*time.Minute || cfg.Hub.MaxAttempts != 3 {
		t.Fatalf("unexpected hub: %+v", cfg.Hub)
	}
	if cfg.Hub.MinIO == nil || cfg.Hub.MinIO.Bucket != "runs" {
		t.Fatalf("minio not decoded: %+v", cfg.Hub.MinIO)
	}
	exp := cfg.Manager.Experiment
	if exp.Population != 50 || !exp.GreedySearch || exp.MutationRate != 0.005 || exp.WorkDir != "/srv/exp" {
		t.Fatalf("unexpected experiment: %+v", exp)
	}
	if cfg.Manager.StaleAfter.Duration != 20*time.Minute || cfg.Manager.StaleCheckInterval.Duration != 15*time.Minute {
		t.Fatalf("unexpected manager timers: %+v", cfg.Manager)
	}
	if diff := cmp.Diff([]string{"emu", "{movement}"}, cfg.Worker.EmulatorCommand); diff != "" {
		t.Fatalf("emulator command (-want +got):\n%s", diff)
	}
	if cfg.Worker.MaxLifetime.Duration != 3*time.Hour || cfg.Worker.Capacity != 4 {
		t.Fatalf("unexpected worker: %+v", cfg.Worker)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "wasp.yaml", `
transport:
  kind: nats
  nats_url: nats://localhost:4222
  nats_prefix: lab
hub:
  poll_interval: 2s
manager:
  seed: 42
  experiment:
    population: 12
    crossover: 3
    survival_rate: 0.2
    reproduction_rate: 0.5
worker:
  first_job_jitter: 0s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != "nats" || cfg.Transport.Subjects().Hub() != "lab.hub" {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}
	if cfg.Hub.PollInterval.Duration != 2*time.Second {
		t.Fatalf("poll interval = %v", cfg.Hub.PollInterval)
	}
	if cfg.Manager.Experiment.Crossover != 3 || cfg.Manager.Experiment.SeedSize != 10 {
		t.Fatalf("unexpected experiment: %+v", cfg.Manager.Experiment)
	}
	rt := cfg.Manager.Runtime()
	if rt.Rng == nil {
		t.Fatal("expected seeded rng")
	}
	if cfg.Worker.Runtime().FirstJobJitter != 0 {
		t.Fatalf("jitter = %v", cfg.Worker.FirstJobJitter)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	cases := map[string]struct{ name, body string }{
		"unknown extension": {"wasp.ini", "x=1"},
		"bad store":         {"wasp.toml", "[store]\nkind = \"mongo\"\n"},
		"nats without url":  {"wasp.yaml", "transport:\n  kind: nats\n"},
		"bad duration":      {"wasp.toml", "[hub]\njob_timeout = \"soon\"\n"},
		"bad experiment":    {"wasp.yaml", "manager:\n  experiment:\n    population: 0\n"},
	}
	for name, tc := range cases {
		if _, err := Load(writeFile(t, tc.name, tc.body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaultsConvertToRuntimeConfigs(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	tc := cfg.Transport.Runtime("w1", protocol.RoleWorker)
	if tc.Name != "w1" || tc.Role != protocol.RoleWorker || tc.Address != "localhost:7311" {
		t.Fatalf("unexpected transport runtime: %+v", tc)
	}
	hc := cfg.Hub.Runtime()
	if hc.JobTimeout != 2*time.Hour || hc.PollInterval != time.Second || hc.StatusInterval != 10*time.Minute {
		t.Fatalf("unexpected hub runtime: %+v", hc)
	}
	mc := cfg.Manager.Runtime()
	if mc.SubmitBatch != 10000 || mc.MaxWorkPerGeneration != 50000 || mc.ConditionalRefreshAge != time.Hour {
		t.Fatalf("unexpected manager runtime: %+v", mc)
	}
	if mc.Experiment.Population != 30 || mc.Experiment.ReproductionRate != 0.25 {
		t.Fatalf("unexpected experiment defaults: %+v", mc.Experiment)
	}
	wc := cfg.Worker.Runtime()
	if wc.MaxLifetime != 6*time.Hour || wc.FirstJobJitter != time.Minute || len(wc.ClassifierCommand) == 0 {
		t.Fatalf("unexpected worker runtime: %+v", wc)
	}
}

func TestDurationJSONForms(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("string form: %v %v", d, err)
	}
	if err := d.UnmarshalJSON([]byte(`1000`)); err != nil || d.Duration != time.Microsecond {
		t.Fatalf("integer form: %v %v", d, err)
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Fatal("expected error for bool")
	}
	out, err := d.MarshalJSON()
	if err != nil || string(out) != `"1µs"` {
		t.Fatalf("marshal: %s %v", out, err)
	}
}
