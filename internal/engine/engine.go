// Package engine advances calcjob processes through their step machine:
// upload inputs, submit to the scheduler, poll until completion, retrieve
// outputs. Many jobs run concurrently; each is crash-safe, persisting its
// process row after every successful step, and resumable from whatever step
// was last recorded.
package engine

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/filter"
	"github.com/fireflow/fireflow/internal/firecrest"
	"github.com/fireflow/fireflow/internal/storage"
)

// Transport is the facade surface the engine drives. *firecrest.Client
// implements it; tests may substitute their own.
type Transport interface {
	Mkdir(ctx context.Context, machine, path string, parents bool) error
	SimpleUpload(ctx context.Context, machine string, source io.Reader, targetDir, filename string) error
	SimpleDownload(ctx context.Context, machine, sourcePath string, dest io.Writer) error
	ExternalUploadFile(ctx context.Context, machine string, source io.Reader,
		targetDir, filename string, interval, timeout time.Duration) error
	ExternalDownloadFile(ctx context.Context, machine, sourcePath string,
		dest io.Writer, interval, timeout time.Duration) error
	Submit(ctx context.Context, machine, scriptPath string) (string, error)
	Poll(ctx context.Context, machine string, jobs []string) ([]firecrest.JobAcct, error)
	ListFiles(ctx context.Context, machine, path string, showHidden bool) ([]firecrest.LsFile, error)
	Stat(ctx context.Context, machine, path string) (firecrest.StatRecord, error)
	Checksum(ctx context.Context, machine, path string) (string, error)
}

var _ Transport = (*firecrest.Client)(nil)

// Config tunes the engine's polling loops and transport construction.
type Config struct {
	// PollInterval/PollTimeout bound the scheduler polling loop. A zero
	// timeout waits forever.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// TransferInterval/TransferTimeout bound the staged-transfer polls.
	TransferInterval time.Duration
	TransferTimeout  time.Duration
	// LocalTesting enables the signed-URL host rewrite on new transports.
	LocalTesting bool
	// NewTransport overrides facade client construction, for tests.
	NewTransport func(*domain.Client) Transport
}

// Engine drives playing processes to completion.
type Engine struct {
	store *storage.Storage
	cfg   Config

	// transports are cached per client row and shared across that
	// client's jobs.
	tmu        sync.Mutex
	transports map[int64]Transport
}

// New creates an engine over a storage.
func New(store *storage.Storage, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = firecrest.DefaultPollInterval
	}
	if cfg.TransferInterval <= 0 {
		cfg.TransferInterval = firecrest.DefaultPollInterval
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = func(c *domain.Client) Transport {
			return firecrest.New(c.ClientURL, c.ClientID, c.ClientSecret, c.TokenURI,
				firecrest.WithLocalTesting(cfg.LocalTesting))
		}
	}
	return &Engine{store: store, cfg: cfg, transports: map[int64]Transport{}}
}

func (e *Engine) transport(client *domain.Client) Transport {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if t, ok := e.transports[client.Pk]; ok {
		return t
	}
	t := e.cfg.NewTransport(client)
	e.transports[client.Pk] = t
	return t
}

func report(pk int64, format string, args ...any) {
	log.Printf("[Engine] PK-%d: "+format, append([]any{pk}, args...)...)
}

// RunUnfinished picks up at most limit processes in the playing state and
// runs them concurrently to completion or exception. Processes excepted or
// paused are left alone; a second invocation with nothing playing is a no-op.
func (e *Engine) RunUnfinished(ctx context.Context, limit int) error {
	playing, err := storage.IterRows[*domain.Process](ctx, e.store, 1, limit, &filter.Expr{
		Conds: []filter.Condition{{Column: "state", Op: filter.OpEq, Value: domain.StatePlaying}},
	})
	if err != nil {
		return err
	}
	if len(playing) == 0 {
		return nil
	}
	log.Printf("[Engine] running %d unfinished calcjobs", len(playing))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, proc := range playing {
		proc := proc
		g.Go(func() error {
			e.runCalcJob(ctx, proc)
			return nil
		})
	}
	return g.Wait()
}

// runCalcJob advances one process until finalised or excepted. Failures are
// captured onto the row, never propagated; other jobs keep running.
func (e *Engine) runCalcJob(ctx context.Context, proc *domain.Process) {
	graph, err := e.store.LoadJobGraph(ctx, proc)
	if err != nil {
		e.recordException(ctx, proc, err)
		return
	}
	proc.Thaw()

	for proc.Step != domain.StepFinalised {
		if err := e.runStep(ctx, graph); err != nil {
			report(proc.Pk, "error running calcjob %s: %v", graph.Calc.UUID, err)
			e.recordException(ctx, proc, err)
			return
		}
		if err := e.store.UpdateRow(ctx, proc); err != nil {
			report(proc.Pk, "persisting step failed: %v", err)
			return
		}
	}

	proc.State = domain.StateFinished
	if err := e.store.UpdateRow(ctx, proc); err != nil {
		report(proc.Pk, "persisting finished state failed: %v", err)
	}
}

func (e *Engine) recordException(ctx context.Context, proc *domain.Process, cause error) {
	proc.Thaw()
	proc.State = domain.StateExcepted
	exc := domain.ExceptionString(cause)
	proc.Exception = &exc
	if err := e.store.UpdateRow(ctx, proc); err != nil {
		report(proc.Pk, "persisting exception failed: %v", err)
	}
}

// runStep advances the process by one step transition.
func (e *Engine) runStep(ctx context.Context, g *storage.JobGraph) error {
	proc := g.Process
	switch proc.Step {
	case domain.StepCreated:
		proc.Step = domain.StepUploading
	case domain.StepUploading:
		if err := e.copyToRemote(ctx, g); err != nil {
			return err
		}
		proc.Step = domain.StepSubmitting
	case domain.StepSubmitting:
		if err := e.submitOnRemote(ctx, g); err != nil {
			return err
		}
		proc.Step = domain.StepRunning
	case domain.StepRunning:
		if err := e.pollUntilFinished(ctx, g); err != nil {
			return err
		}
		proc.Step = domain.StepRetrieving
	case domain.StepRetrieving:
		if err := e.copyFromRemote(ctx, g); err != nil {
			return err
		}
		proc.Step = domain.StepFinalised
	default:
		return domain.Errorf(domain.KindValidation, "unknown step name %q", proc.Step)
	}
	return nil
}
