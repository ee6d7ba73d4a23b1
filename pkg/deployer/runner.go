package deployer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.openly.dev/pointy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

const tracerName = "tag-deployer"

// waitDelay bounds how long output is still collected once a timed out script has been killed,
// children of the script may keep its pipes open.
const waitDelay = 5 * time.Second

// Runner executes a deploy and reports its outcome. Implementations never
// return errors, failures are part of the outcome.
type Runner interface {
	Run(ctx context.Context, req schemas.DeployRequest) schemas.DeployOutcome
}

// ScriptRunner runs the configured deploy script as a child process.
type ScriptRunner struct {
	// Timeout kills the script when it runs for longer. 0 means no timeout.
	Timeout time.Duration
}

// NewScriptRunner returns a ScriptRunner.
func NewScriptRunner(timeout time.Duration) *ScriptRunner {
	return &ScriptRunner{Timeout: timeout}
}

// Arguments returns the positional arguments handed over to the deploy script:
// the repository short name and the tag, followed by the working and log
// directories when any of them is configured.
func Arguments(req schemas.DeployRequest) []string {
	args := []string{req.RepositoryShortName, req.Tag}
	if req.DevDir != "" || req.ScriptsDir != "" {
		args = append(args, req.DevDir, req.ScriptsDir)
	}

	return args
}

// Run executes the deploy script and waits for it to exit.
func (r *ScriptRunner) Run(ctx context.Context, req schemas.DeployRequest) (outcome schemas.DeployOutcome) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "deployer:Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("repository", req.RepositoryFullName),
		attribute.String("tag", req.Tag),
	)

	start := time.Now()
	defer func() {
		outcome.Duration = time.Since(start)
		span.SetAttributes(attribute.String("status", string(outcome.Status)))
	}()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, req.ScriptPath, Arguments(req)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	log.WithContext(ctx).
		WithFields(log.Fields{
			"deploy-id": req.ID,
			"script":    req.ScriptPath,
			"args":      cmd.Args[1:],
		}).
		Debug("starting deploy script")

	if err := cmd.Start(); err != nil {
		return failure(schemas.FailureKindSpawn, err.Error(), nil)
	}

	err := cmd.Wait()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if err == nil {
		return schemas.DeployOutcome{
			Status:   schemas.DeployStatusSuccess,
			Result:   out,
			ExitCode: pointy.Int(0),
		}
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure(
			schemas.FailureKindExecute,
			fmt.Sprintf("timed out after %s, stdout=%s, stderr=%s", r.Timeout, out, errOut),
			nil,
		)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return failure(
			schemas.FailureKindExecute,
			fmt.Sprintf("exit=%d, stdout=%s, stderr=%s", code, out, errOut),
			pointy.Int(code),
		)
	}

	// Wait failed without the process reporting an exit status (e.g. I/O copy error)
	return failure(
		schemas.FailureKindExecute,
		fmt.Sprintf("%s, stdout=%s, stderr=%s", err, out, errOut),
		nil,
	)
}

func failure(kind schemas.FailureKind, msg string, exitCode *int) schemas.DeployOutcome {
	o := schemas.NewFailureOutcome(kind, (&schemas.DeployError{Kind: kind, Msg: msg}).Error())
	o.ExitCode = exitCode

	return o
}

// FakeRunner fabricates outcomes without spawning any process.
// It is used for dry runs and tests.
type FakeRunner struct {
	// Outcome is returned by every run. The zero value reports a success
	// whose result text describes the request.
	Outcome *schemas.DeployOutcome

	// Hook is called with every request before returning, when set.
	Hook func(ctx context.Context, req schemas.DeployRequest)

	mutex sync.Mutex
	calls []schemas.DeployRequest
}

// NewFakeRunner returns a FakeRunner reporting successful deploys.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Run records the request and returns the configured outcome.
func (f *FakeRunner) Run(ctx context.Context, req schemas.DeployRequest) schemas.DeployOutcome {
	f.mutex.Lock()
	f.calls = append(f.calls, req)
	f.mutex.Unlock()

	log.WithContext(ctx).
		WithFields(log.Fields{
			"deploy-id":  req.ID,
			"repository": req.RepositoryFullName,
			"tag":        req.Tag,
			"script":     req.ScriptPath,
			"args":       Arguments(req),
		}).
		Info("dry run, deploy script not executed")

	if f.Hook != nil {
		f.Hook(ctx, req)
	}

	if f.Outcome != nil {
		return *f.Outcome
	}

	return schemas.DeployOutcome{
		Status:   schemas.DeployStatusSuccess,
		Result:   fmt.Sprintf("dry run of %s %s", req.ScriptPath, strings.Join(Arguments(req), " ")),
		ExitCode: pointy.Int(0),
	}
}

// Calls returns the requests received so far.
func (f *FakeRunner) Calls() []schemas.DeployRequest {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]schemas.DeployRequest(nil), f.calls...)
}
