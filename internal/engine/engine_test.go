package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/filter"
	"github.com/fireflow/fireflow/internal/firecrest"
	"github.com/fireflow/fireflow/internal/storage"
)

// harness wires a memory storage, a stub facade served over HTTP, and an
// engine with fast polling.
type harness struct {
	store  *storage.Storage
	stub   *firecrest.StubServer
	engine *Engine
	client *domain.Client
	code   *domain.Code
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := storage.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stub := firecrest.NewStubServer()
	server := httptest.NewServer(stub.Handler())
	t.Cleanup(server.Close)
	stub.SetBaseURL(server.URL)

	client := domain.NewClient()
	client.Label = "cluster-a"
	client.ClientURL = server.URL
	client.MachineName = "cluster"
	client.WorkDir = "/scratch"
	require.NoError(t, store.SaveRow(context.Background(), client))

	code := domain.NewCode()
	code.Label = "echo"
	code.ClientPk = client.Pk
	code.Script = "#!/bin/bash\necho hi > out.txt\n"
	require.NoError(t, store.SaveRow(context.Background(), code))

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.TransferInterval == 0 {
		cfg.TransferInterval = 5 * time.Millisecond
	}
	return &harness{
		store:  store,
		stub:   stub,
		engine: New(store, cfg),
		client: client,
		code:   code,
	}
}

func (h *harness) addCalc(t *testing.T, mutate func(*domain.CalcJob)) *domain.CalcJob {
	t.Helper()
	calc := domain.NewCalcJob()
	calc.CodePk = h.code.Pk
	calc.DownloadGlobs = []string{"**"}
	if mutate != nil {
		mutate(calc)
	}
	require.NoError(t, h.store.SaveRow(context.Background(), calc))
	return calc
}

func (h *harness) process(t *testing.T, calc *domain.CalcJob) *domain.Process {
	t.Helper()
	procs, err := storage.IterRows[*domain.Process](context.Background(), h.store, 1, 0, &filter.Expr{
		Conds: []filter.Condition{{Column: "calcjob_pk", Op: filter.OpEq, Value: calc.Pk}},
	})
	require.NoError(t, err)
	require.Len(t, procs, 1)
	return procs[0]
}

func sha(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Scenario: minimal round trip. One client, one echo code, download "**".
func TestRunMinimalRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	calc := h.addCalc(t, nil)

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	proc := h.process(t, calc)
	assert.Equal(t, domain.StateFinished, proc.State)
	assert.Equal(t, domain.StepFinalised, proc.Step)
	assert.Nil(t, proc.Exception)

	require.Contains(t, proc.RetrievedPaths, "out.txt")
	require.NotNil(t, proc.RetrievedPaths["out.txt"])
	assert.Equal(t, sha("hi\n"), *proc.RetrievedPaths["out.txt"])

	// The script itself is never retrieved; it can be re-rendered.
	assert.NotContains(t, proc.RetrievedPaths, domain.ScriptFilename)

	// The retrieved content is readable back out of the object store.
	r, err := h.store.Objects().OpenRead(*proc.RetrievedPaths["out.txt"])
	require.NoError(t, err)
	defer r.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", buf.String())

	// One DataNode records the outputs.
	count, err := h.store.CountRows(context.Background(), "data_node")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// Scenario: a file above the threshold must go through staged upload, never
// the simple endpoint.
func TestRunLargeFileUsesStagedUpload(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.Thaw()
	h.client.SmallFileSizeMB = 1
	require.NoError(t, h.store.UpdateRow(context.Background(), h.client))

	payload := bytes.Repeat([]byte{0x00}, 2<<20)
	key, err := h.store.Objects().AddFromBytes(payload)
	require.NoError(t, err)

	calc := h.addCalc(t, func(c *domain.CalcJob) {
		c.UploadPaths = map[string]*string{"in.bin": &key}
		c.DownloadGlobs = nil
	})

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	proc := h.process(t, calc)
	assert.Equal(t, domain.StateFinished, proc.State)
	assert.Equal(t, 1, h.stub.StagedUploads)
	// Only the job script went through simple upload.
	assert.Equal(t, 1, h.stub.SimpleUploads)

	remoteDir := h.client.WorkflowPath(calc.UUID)
	content, ok := h.stub.ReadFile(remoteDir + "/in.bin")
	require.True(t, ok)
	assert.Equal(t, payload, content)
}

// Boundary: a file exactly at the threshold is simple; one byte over is
// staged.
func TestThresholdBoundary(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.Thaw()
	h.client.SmallFileSizeMB = 1
	require.NoError(t, h.store.UpdateRow(context.Background(), h.client))

	atLimit := bytes.Repeat([]byte{0x01}, 1<<20)
	overLimit := bytes.Repeat([]byte{0x02}, 1<<20+1)
	keyAt, err := h.store.Objects().AddFromBytes(atLimit)
	require.NoError(t, err)
	keyOver, err := h.store.Objects().AddFromBytes(overLimit)
	require.NoError(t, err)

	h.addCalc(t, func(c *domain.CalcJob) {
		c.UploadPaths = map[string]*string{"at.bin": &keyAt, "over.bin": &keyOver}
		c.DownloadGlobs = nil
	})

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	// job.sh + at.bin simple; over.bin staged.
	assert.Equal(t, 2, h.stub.SimpleUploads)
	assert.Equal(t, 1, h.stub.StagedUploads)
}

// Scenario: scheduler never completes; polling times out and the job is
// excepted at the running step.
func TestRunPollingTimeout(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond, PollTimeout: 100 * time.Millisecond})
	h.stub.SchedulerPolls = -1
	calc := h.addCalc(t, nil)

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	proc := h.process(t, calc)
	assert.Equal(t, domain.StateExcepted, proc.State)
	assert.Equal(t, domain.StepRunning, proc.Step)
	require.NotNil(t, proc.Exception)
	assert.True(t, strings.HasPrefix(*proc.Exception, "RuntimeError: timeout"),
		"exception was %q", *proc.Exception)
	require.NotNil(t, proc.JobID)
}

// Excepted jobs are not picked up again unless flipped back to playing.
func TestExceptedJobsAreNotRetried(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond, PollTimeout: 50 * time.Millisecond})
	h.stub.SchedulerPolls = -1
	calc := h.addCalc(t, nil)

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))
	submissions := h.stub.Submissions
	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))
	assert.Equal(t, submissions, h.stub.Submissions)

	proc := h.process(t, calc)
	assert.Equal(t, domain.StateExcepted, proc.State)
}

// Scenario: resume after a crash between submitting and running. The engine
// must not re-submit; it polls the recorded job id and finalises.
func TestResumeAfterCrashDoesNotResubmit(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond, PollTimeout: 100 * time.Millisecond})
	h.stub.SchedulerPolls = -1 // first run: stall in polling
	calc := h.addCalc(t, nil)

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))
	require.Equal(t, 1, h.stub.Submissions)

	crashed := h.process(t, calc)
	require.Equal(t, domain.StepRunning, crashed.Step)
	require.NotNil(t, crashed.JobID)
	firstJobID := *crashed.JobID

	// "Restart": the scheduler now completes, the job is set playing
	// again, and a fresh engine picks it up from the persisted step.
	h.stub.SchedulerPolls = 0
	crashed.Thaw()
	crashed.State = domain.StatePlaying
	crashed.Exception = nil
	require.NoError(t, h.store.UpdateRow(context.Background(), crashed))

	restarted := New(h.store, Config{PollInterval: 10 * time.Millisecond, TransferInterval: 5 * time.Millisecond})
	require.NoError(t, restarted.RunUnfinished(context.Background(), 10))

	proc := h.process(t, calc)
	assert.Equal(t, domain.StateFinished, proc.State)
	assert.Equal(t, domain.StepFinalised, proc.Step)
	assert.Nil(t, proc.Exception)
	require.NotNil(t, proc.JobID)
	assert.Equal(t, firstJobID, *proc.JobID)
	// Still exactly one submission: the restart resumed at running.
	assert.Equal(t, 1, h.stub.Submissions)
}

// Re-running with nothing playing is a no-op.
func TestRunUnfinishedNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.addCalc(t, nil)

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))
	submissions := h.stub.Submissions
	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))
	assert.Equal(t, submissions, h.stub.Submissions)
}

// Job-specific upload paths shadow code-level paths.
func TestCalcJobUploadsShadowCodeUploads(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	codeKey, err := h.store.Objects().AddFromBytes([]byte("from code"))
	require.NoError(t, err)
	calcKey, err := h.store.Objects().AddFromBytes([]byte("from calcjob"))
	require.NoError(t, err)

	code := domain.NewCode()
	code.Label = "shadow"
	code.ClientPk = h.client.Pk
	code.Script = "#!/bin/bash\n"
	code.UploadPaths = map[string]*string{"in.txt": &codeKey}
	require.NoError(t, h.store.SaveRow(ctx, code))

	calc := domain.NewCalcJob()
	calc.CodePk = code.Pk
	calc.UploadPaths = map[string]*string{"in.txt": &calcKey}
	require.NoError(t, h.store.SaveRow(ctx, calc))

	require.NoError(t, h.engine.RunUnfinished(ctx, 10))

	remoteDir := h.client.WorkflowPath(calc.UUID)
	content, ok := h.stub.ReadFile(remoteDir + "/in.txt")
	require.True(t, ok)
	assert.Equal(t, "from calcjob", string(content))
}

// Directories in upload paths are created; nested upload paths create their
// parents.
func TestUploadDirectoriesAndNestedPaths(t *testing.T) {
	h := newHarness(t, Config{})
	key, err := h.store.Objects().AddFromBytes([]byte("nested"))
	require.NoError(t, err)

	calc := h.addCalc(t, func(c *domain.CalcJob) {
		c.UploadPaths = map[string]*string{
			"workdir":          nil,
			"inputs/deep/a.in": &key,
		}
		c.DownloadGlobs = nil
	})

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	remoteDir := h.client.WorkflowPath(calc.UUID)
	assert.True(t, h.stub.HasDir(remoteDir+"/workdir"))
	content, ok := h.stub.ReadFile(remoteDir + "/inputs/deep/a.in")
	require.True(t, ok)
	assert.Equal(t, "nested", string(content))
}

// Symlinks matched by a download glob are skipped; directories are recorded
// with a nil key; files already in the object store are not downloaded again.
func TestRetrieveClassification(t *testing.T) {
	h := newHarness(t, Config{})
	calc := h.addCalc(t, func(c *domain.CalcJob) {
		c.DownloadGlobs = []string{"**"}
	})

	remoteDir := h.client.WorkflowPath(calc.UUID)
	h.stub.Symlink(remoteDir+"/ln.txt", "out.txt")
	h.stub.WriteFile(remoteDir+"/results/a.dat", []byte("known content"))

	// Pre-seed the store with a.dat's content: it must be deduplicated by
	// checksum, not downloaded again.
	preKey, err := h.store.Objects().AddFromBytes([]byte("known content"))
	require.NoError(t, err)

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	proc := h.process(t, calc)
	require.Equal(t, domain.StateFinished, proc.State)

	assert.NotContains(t, proc.RetrievedPaths, "ln.txt")
	require.Contains(t, proc.RetrievedPaths, "results")
	assert.Nil(t, proc.RetrievedPaths["results"])
	require.Contains(t, proc.RetrievedPaths, "results/a.dat")
	assert.Equal(t, preKey, *proc.RetrievedPaths["results/a.dat"])
}

// The rendered script has access to the calc, code and client bindings.
func TestScriptRendering(t *testing.T) {
	h := newHarness(t, Config{})

	code := domain.NewCode()
	code.Label = "templated"
	code.ClientPk = h.client.Pk
	code.Script = "#!/bin/bash\n#SBATCH --job-name={{ calc.uuid }}\ncd {{ client.work_dir }}\nnsteps={{ calc.parameters.nsteps }}\n"
	require.NoError(t, h.store.SaveRow(context.Background(), code))

	calc := domain.NewCalcJob()
	calc.CodePk = code.Pk
	calc.Parameters = map[string]any{"nsteps": 100}
	require.NoError(t, h.store.SaveRow(context.Background(), calc))

	require.NoError(t, h.engine.RunUnfinished(context.Background(), 10))

	remoteDir := h.client.WorkflowPath(calc.UUID)
	script, ok := h.stub.ReadFile(remoteDir + "/" + domain.ScriptFilename)
	require.True(t, ok)
	assert.Contains(t, string(script), "--job-name="+calc.UUID)
	assert.Contains(t, string(script), "cd /scratch")
	assert.Contains(t, string(script), "nsteps=100")
}

// Many jobs advance concurrently; all finish.
func TestRunManyJobsConcurrently(t *testing.T) {
	h := newHarness(t, Config{})
	var calcs []*domain.CalcJob
	for i := 0; i < 8; i++ {
		calcs = append(calcs, h.addCalc(t, func(c *domain.CalcJob) {
			c.DownloadGlobs = []string{"out.txt"}
		}))
	}

	// limit bounds what one invocation picks up; the rest are taken on
	// the next call.
	require.NoError(t, h.engine.RunUnfinished(context.Background(), 4))
	require.NoError(t, h.engine.RunUnfinished(context.Background(), 4))

	for _, calc := range calcs {
		proc := h.process(t, calc)
		assert.Equal(t, domain.StateFinished, proc.State)
		assert.Equal(t, domain.StepFinalised, proc.Step)
	}
	assert.Equal(t, 8, h.stub.Submissions)
}
