package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bevara/compiler/pkg/ledger"
	"github.com/bevara/compiler/pkg/livelog"
	"github.com/bevara/compiler/pkg/packager"
	"github.com/bevara/compiler/pkg/stream"
)

// State is a phase of one compilation attempt.
type State string

const (
	StateIdle       State = "idle"
	StatePackaging  State = "packaging"
	StateUploading  State = "uploading"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// failureCode is the attempt return code recorded when the build could not
// run to the end of its stream.
const failureCode = 1

const defaultChunkSize = 32 << 10

// ErrBuildRunning is returned when the project already has a build in flight.
var ErrBuildRunning = errors.New("a build is already running for this project")

// Service submits archives to the remote build service.
type Service interface {
	Compile(ctx context.Context, archive []byte, opts CompileOptions) (*http.Response, error)
}

// TerminalSink receives terminal output for live display.
type TerminalSink interface {
	Open(key livelog.Key)
	Publish(key livelog.Key, line livelog.Line)
	Close(key livelog.Key)
}

// Config wires a Compiler.
type Config struct {
	Service   Service
	Ledger    *ledger.Ledger
	FS        afero.Fs
	Sink      TerminalSink
	Logger    *slog.Logger
	ChunkSize int
}

// Options tune a single attempt.
type Options struct {
	Debug bool

	// Folder defaults to the base name of the project directory.
	Folder string

	// OnState observes every state transition.
	OnState func(State)

	// OnAttempt is called once the ledger has allocated the attempt.
	OnAttempt func(id int)
}

// Result summarizes a finished attempt.
type Result struct {
	AttemptID       int      `json:"attemptId"`
	State           State    `json:"state"`
	ReturnCode      int      `json:"returnCode"`
	StatusCode      int      `json:"statusCode,omitempty"`
	Artifacts       []string `json:"artifacts,omitempty"`
	ProtocolErrors  int      `json:"protocolErrors,omitempty"`
	IntegrityErrors int      `json:"integrityErrors,omitempty"`
}

// Compiler drives compilation attempts end to end: package, upload, decode
// the response stream into the ledger and finalize. Different projects may
// compile concurrently; each project runs one attempt at a time.
type Compiler struct {
	service   Service
	ledger    *ledger.Ledger
	fs        afero.Fs
	sink      TerminalSink
	logger    *slog.Logger
	tracer    trace.Tracer
	chunkSize int

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewCompiler builds a Compiler from cfg.
func NewCompiler(cfg Config) *Compiler {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New(ledger.Config{FS: cfg.FS, Logger: cfg.Logger})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Compiler{
		service:   cfg.Service,
		ledger:    cfg.Ledger,
		fs:        cfg.FS,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("github.com/bevara/compiler/pkg/orchestrator"),
		chunkSize: cfg.ChunkSize,
		running:   make(map[string]context.CancelFunc),
	}
}

// Ledger returns the ledger attempts are written to.
func (c *Compiler) Ledger() *ledger.Ledger { return c.ledger }

// Compile packages projectDir and runs one attempt.
func (c *Compiler) Compile(ctx context.Context, projectDir string, opts Options) (Result, error) {
	return c.run(ctx, projectDir, opts, func(ctx context.Context) ([]byte, error) {
		return packager.Pack(ctx, c.fs, projectDir)
	})
}

// Rerun submits the sources stored with a previous attempt as a new attempt.
func (c *Compiler) Rerun(ctx context.Context, projectDir string, attemptID int, opts Options) (Result, error) {
	archive, err := c.ledger.SourceArchive(projectDir, attemptID)
	if err != nil {
		return Result{State: StateIdle}, fmt.Errorf("rerun attempt %d: %w", attemptID, err)
	}
	return c.run(ctx, projectDir, opts, func(context.Context) ([]byte, error) {
		return archive, nil
	})
}

// Cancel aborts the attempt running for projectDir. It reports whether one
// was running.
func (c *Compiler) Cancel(projectDir string) bool {
	c.mu.Lock()
	cancel, ok := c.running[filepath.Clean(projectDir)]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether projectDir has an attempt in flight.
func (c *Compiler) Running(projectDir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[filepath.Clean(projectDir)]
	return ok
}

func (c *Compiler) acquire(ctx context.Context, key string) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[key]; busy {
		return nil, nil, ErrBuildRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running[key] = cancel
	release := func() {
		c.mu.Lock()
		delete(c.running, key)
		c.mu.Unlock()
		cancel()
	}
	return ctx, release, nil
}

// attemptRun carries the state of one attempt through its phases.
type attemptRun struct {
	c       *Compiler
	attempt *ledger.Attempt
	key     livelog.Key
	opts    Options
	source  func(context.Context) ([]byte, error)
	logger  *slog.Logger
	result  Result
	code    int

	steps    int
	openStep int
}

func (r *attemptRun) setState(s State) {
	r.result.State = s
	if r.opts.OnState != nil {
		r.opts.OnState(s)
	}
}

func (c *Compiler) run(ctx context.Context, projectDir string, opts Options, source func(context.Context) ([]byte, error)) (Result, error) {
	key := filepath.Clean(projectDir)
	ctx, release, err := c.acquire(ctx, key)
	if err != nil {
		return Result{State: StateIdle}, err
	}
	defer release()

	ctx, span := c.tracer.Start(ctx, "compile", trace.WithAttributes(attribute.String("project", key)))
	defer span.End()

	attempt, err := c.ledger.NewAttempt(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocate attempt")
		res := Result{State: StateFailed, ReturnCode: failureCode}
		if opts.OnState != nil {
			opts.OnState(StateFailed)
		}
		return res, fmt.Errorf("allocate attempt: %w", err)
	}
	span.SetAttributes(attribute.Int("attempt", attempt.ID()))

	r := &attemptRun{
		c:       c,
		attempt: attempt,
		key:     livelog.Key{Project: key, Attempt: attempt.ID()},
		opts:    opts,
		source:  source,
		logger:  c.logger.With("project", key, "attempt", attempt.ID()),
		result:  Result{AttemptID: attempt.ID(), State: StateIdle},
	}
	if opts.OnAttempt != nil {
		opts.OnAttempt(attempt.ID())
	}
	if c.sink != nil {
		c.sink.Open(r.key)
		defer c.sink.Close(r.key)
	}

	runErr := r.execute(ctx)
	if runErr != nil {
		r.code = failureCode
		r.logger.Error("attempt failed", "error", runErr)
		span.RecordError(runErr)
	}

	r.setState(StateFinalizing)
	_, fspan := c.tracer.Start(ctx, "finalizing")
	finErr := attempt.Finalize(r.code)
	fspan.End()
	if finErr != nil {
		r.logger.Error("finalize attempt", "error", finErr)
		runErr = errors.Join(runErr, finErr)
	}

	r.result.ReturnCode = r.code
	span.SetAttributes(attribute.Int("return_code", r.code), attribute.Int("http.status_code", r.result.StatusCode))
	if r.code == 0 && runErr == nil {
		r.setState(StateSucceeded)
		span.SetStatus(codes.Ok, "")
	} else {
		r.setState(StateFailed)
		span.SetStatus(codes.Error, "build failed")
	}
	r.logger.Info("attempt finalized", "code", r.code, "state", r.result.State)
	return r.result, runErr
}

// execute runs packaging, upload and streaming. Any error it returns is
// fatal to the attempt.
func (r *attemptRun) execute(ctx context.Context) error {
	c := r.c

	r.setState(StatePackaging)
	pctx, pspan := c.tracer.Start(ctx, "packaging")
	archive, err := r.prepare(pctx)
	pspan.End()
	if err != nil {
		r.publishFailure(err)
		return err
	}

	r.setState(StateUploading)
	uctx, uspan := c.tracer.Start(ctx, "uploading")
	folder := r.opts.Folder
	if folder == "" {
		folder = filepath.Base(r.key.Project)
	}
	resp, err := c.service.Compile(uctx, archive, CompileOptions{Debug: r.opts.Debug, Folder: folder})
	uspan.End()
	if err != nil {
		var terr *TransportError
		if errors.As(err, &terr) {
			r.result.StatusCode = terr.StatusCode
		}
		r.publishFailure(err)
		return err
	}
	defer resp.Body.Close()
	r.result.StatusCode = resp.StatusCode

	r.setState(StateStreaming)
	sctx, sspan := c.tracer.Start(ctx, "streaming")
	defer sspan.End()
	if err := r.consume(sctx, resp.Body); err != nil {
		r.publishFailure(err)
		return err
	}
	switch {
	case r.steps == 0:
		r.logger.Warn("build stream ended without any step")
	case r.openStep != 0:
		r.logger.Warn("build stream ended with a step still open", "step", r.openStep)
	}

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("build service answered with a non-200 success status", "status", resp.StatusCode)
		r.code = failureCode
	}
	return nil
}

// prepare produces the archive and stores it with the attempt.
func (r *attemptRun) prepare(ctx context.Context) ([]byte, error) {
	r.logger.Info("packaging project")
	archive, err := r.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("package project: %w", err)
	}
	if err := r.attempt.RecordSource(archive); err != nil {
		return nil, err
	}
	return archive, nil
}

// consume reads body chunk by chunk and applies every decoded event to the
// ledger in arrival order.
func (r *attemptRun) consume(ctx context.Context, body io.Reader) error {
	dec := stream.NewDecoder()
	buf := make([]byte, r.c.chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if aerr := r.apply(ev); aerr != nil {
					return aerr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return &TransportError{Err: cerr}
			}
			return &TransportError{Err: err}
		}
	}
	for _, ev := range dec.Finish() {
		if err := r.apply(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *attemptRun) apply(ev stream.Event) error {
	a := r.attempt
	switch ev := ev.(type) {
	case stream.StepStarted:
		r.steps++
		r.openStep = ev.Index
		return a.RecordStep(ev.Index, ev.Name)

	case stream.Terminal:
		r.publish(livelog.Line{Step: ev.Step, Text: ev.Text})
		return a.AppendTerminal(ev.Step, ev.Text)

	case stream.ReturnCode:
		r.code |= ev.Code
		if ev.Step == r.openStep {
			r.openStep = 0
		}
		return a.RecordReturnCode(ev.Step, ev.Code)

	case stream.ErrorText:
		r.publish(livelog.Line{Step: ev.Step, Text: ev.Text + "\n", Error: true})
		return a.RecordError(ev.Step, ev.Text)

	case stream.Artifact:
		r.result.Artifacts = append(r.result.Artifacts, ev.Name)
		return a.RecordArtifact(ledger.ArtifactRecord{
			Name:     ev.Name,
			Data:     ev.Data,
			Trusted:  ev.Trusted,
			Expected: ev.Declared,
			Actual:   ev.Digest,
		})

	case stream.ProtocolError:
		r.result.ProtocolErrors++
		r.logger.Warn("malformed build record", "step", ev.Step, "reason", ev.Reason)
		r.publish(livelog.Line{Step: ev.Step, Text: ev.Error() + "\n", Error: true})
		return a.RecordError(ev.Step, ev.Error())

	case stream.IntegrityError:
		r.result.IntegrityErrors++
		r.logger.Warn("artifact digest mismatch", "artifact", ev.Name, "expected", ev.Expected, "actual", ev.Actual)
		r.publish(livelog.Line{Step: ev.Step, Text: ev.Error() + "\n", Error: true})
		return a.RecordError(ev.Step, ev.Error())
	}
	return nil
}

func (r *attemptRun) publish(line livelog.Line) {
	if r.c.sink != nil {
		r.c.sink.Publish(r.key, line)
	}
}

// publishFailure makes a fatal error visible in the attempt's terminal log.
func (r *attemptRun) publishFailure(err error) {
	if errors.Is(err, ledger.ErrAttemptCompleted) {
		return
	}
	text := err.Error()
	r.publish(livelog.Line{Text: text + "\n", Error: true})
	if werr := r.attempt.RecordError(0, text); werr != nil {
		r.logger.Warn("record attempt error", "error", werr)
	}
}
