package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"wasp/internal/model"
)

const stderrTail = 2048

var (
	// ErrToolFailure marks a failed emulator or classifier run.
	ErrToolFailure = errors.New("external tool failed")
	// ErrMalformedOutput is returned when the classifier output carries no
	// usable result.
	ErrMalformedOutput = errors.New("malformed classifier output")
)

// ToolError describes one failed tool invocation.
type ToolError struct {
	Stage    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d): %v", e.Stage, e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	return []error{ErrToolFailure, e.Err}
}

// Runner executes one pipeline stage and returns its standard output.
type Runner interface {
	Run(ctx context.Context, stage, dir string, argv []string) ([]byte, error)
}

// ExecRunner runs stages as child processes.
type ExecRunner struct {
	// Timeout bounds one invocation; zero means no limit beyond ctx.
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, stage, dir string, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, &ToolError{Stage: stage, ExitCode: -1, Err: errors.New("empty command")}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return stdout.Bytes(), &ToolError{Stage: stage, ExitCode: code, Stderr: tail(stderr.String(), stderrTail), Err: err}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Result is what the classifier reports for one layout.
type Result struct {
	Accuracy float64
	Info     string
}

// ParseClassifierOutput reads "accuracy=<float>" and "info=<activity list>"
// lines; other lines are ignored and the last occurrence of a key wins.
func ParseClassifierOutput(out []byte) (Result, error) {
	var (
		res     Result
		haveAcc bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "accuracy="):
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "accuracy=")), 64)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Result{}, fmt.Errorf("%w: non-finite accuracy %v", ErrMalformedOutput, v)
			}
			res.Accuracy = v
			haveAcc = true
		case strings.HasPrefix(line, "info="):
			res.Info = strings.TrimSpace(strings.TrimPrefix(line, "info="))
		}
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !haveAcc {
		return Result{}, fmt.Errorf("%w: no accuracy line", ErrMalformedOutput)
	}
	if _, err := model.ParseActivityInfo(res.Info); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return res, nil
}
