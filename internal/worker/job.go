package worker

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wasp/internal/protocol"
)

// SiteFileName is the floorplan every run stages.
const SiteFileName = "site.xml"

var tracer = otel.Tracer("wasp/worker")

// chromosomeFile is the layout handed to the emulator and classifier.
type chromosomeFile struct {
	XMLName    xml.Name `xml:"chromosome"`
	Generation int      `xml:"generation,attr"`
	Fitness    float64  `xml:"fitness,attr"`
	Genome     string   `xml:",chardata"`
}

// execute runs one job and reports its outcome to the hub. Failures never
// escape; they become JobFailed messages.
func (w *Worker) execute(ctx context.Context, js protocol.JobSubmit, jitter time.Duration) {
	logger := w.logger.WithValues("jobID", js.JobID, "runID", js.RunID)
	ctx, span := tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("wasp.job_id", js.JobID),
		attribute.String("wasp.run_id", js.RunID),
		attribute.Int("wasp.generation", js.Chromosome.Generation),
		attribute.Int("wasp.data_files", len(js.DataFiles)),
	))
	defer span.End()

	if jitter > 0 {
		logger.V(2).Info("Delaying first job", "delay", jitter)
		timer := time.NewTimer(jitter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	res, err := w.evaluate(ctx, js)
	if ctx.Err() != nil {
		logger.V(2).Info("Job abandoned on shutdown")
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(err, "Job failed")
		w.fail(js, err)
		return
	}

	payload := js.Chromosome
	payload.Fitness = res.Accuracy
	payload.Info = res.Info
	if err := w.sender.Send(protocol.JobCompleted{JobID: js.JobID, Chromosome: payload}); err != nil {
		logger.Error(err, "Reporting result failed")
		w.fail(js, err)
		return
	}
	logger.V(2).Info("Job completed", "accuracy", res.Accuracy)
}

func (w *Worker) fail(js protocol.JobSubmit, err error) {
	msg := protocol.JobFailed{JobID: js.JobID, Reason: err.Error(), Chromosome: js.Chromosome}
	if sendErr := w.sender.Send(msg); sendErr != nil {
		w.logger.Error(sendErr, "Reporting failure failed", "jobID", js.JobID)
	}
}

func (w *Worker) evaluate(ctx context.Context, js protocol.JobSubmit) (Result, error) {
	if err := checkName(js.JobID); err != nil {
		return Result{}, fmt.Errorf("job id: %w", err)
	}
	if err := w.stage(ctx, js); err != nil {
		return Result{}, err
	}

	dir := w.jobDir(js.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, err
	}
	if !w.cfg.KeepJobDirs {
		defer os.RemoveAll(dir)
	}
	chromPath, err := writeChromosome(dir, js)
	if err != nil {
		return Result{}, err
	}

	vars := map[string]string{
		PlaceholderSite:       w.files.path(js.RunID, SiteFileName),
		PlaceholderChromosome: chromPath,
		PlaceholderWork:       dir,
		PlaceholderOrig:       strings.Join(w.runPaths(js.RunID, js.OrigFiles), ","),
	}
	outputs, err := w.emulate(ctx, js, dir, vars)
	if err != nil {
		return Result{}, err
	}

	vars[PlaceholderFiles] = strings.Join(outputs, ",")
	out, err := w.runner.Run(ctx, "classifier", dir, expand(w.cfg.ClassifierCommand, vars))
	if err != nil {
		return Result{}, err
	}
	return ParseClassifierOutput(out)
}

// stage requests every run file the job needs that is not present yet and
// waits for the hub to deliver them.
func (w *Worker) stage(ctx context.Context, js protocol.JobSubmit) error {
	if err := checkName(js.RunID); err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	need := make([]string, 0, 1+len(js.DataFiles)+len(js.OrigFiles))
	need = append(need, SiteFileName)
	need = append(need, js.DataFiles...)
	need = append(need, js.OrigFiles...)

	var missing []string
	for _, name := range need {
		if err := checkName(name); err != nil {
			return err
		}
		if w.files.has(js.RunID, name) {
			continue
		}
		missing = append(missing, name)
		if err := w.sender.Send(protocol.RequestFile{RunID: js.RunID, Filename: name}); err != nil {
			return fmt.Errorf("request %s: %w", name, err)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	w.logger.V(2).Info("Waiting for run files", "jobID", js.JobID, "runID", js.RunID, "files", missing)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.FileWait)
	defer cancel()
	for _, name := range missing {
		if err := w.files.wait(ctx, js.RunID, name); err != nil {
			return fmt.Errorf("missing run file: %w", err)
		}
	}
	return nil
}

func writeChromosome(dir string, js protocol.JobSubmit) (string, error) {
	name := js.Chromosome.Filename
	if name == "" {
		name = js.JobID + ".xml"
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	data, err := xml.MarshalIndent(chromosomeFile{
		Generation: js.Chromosome.Generation,
		Fitness:    js.Chromosome.Fitness,
		Genome:     js.Chromosome.Genome,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// emulate runs the emulator once per data file with bounded parallelism and
// returns the output paths in data file order.
func (w *Worker) emulate(ctx context.Context, js protocol.JobSubmit, dir string, vars map[string]string) ([]string, error) {
	outputs := make([]string, len(js.DataFiles))
	p := pool.New().WithMaxGoroutines(w.cfg.EmulatorParallelism).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, name := range js.DataFiles {
		outputs[i] = filepath.Join(dir, uuid.NewString()+".xml")
		args := make(map[string]string, len(vars)+2)
		for k, v := range vars {
			args[k] = v
		}
		args[PlaceholderMovement] = w.files.path(js.RunID, name)
		args[PlaceholderOutput] = outputs[i]
		argv := expand(w.cfg.EmulatorCommand, args)
		p.Go(func(ctx context.Context) error {
			_, err := w.runner.Run(ctx, "emulator", dir, argv)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (w *Worker) runPaths(runID string, names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = w.files.path(runID, name)
	}
	return out
}

func expand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}
