// Package domain holds the entity rows persisted by the storage layer.
//
// The entity graph is:
//
//	Client
//	  |_ Code
//	     |_ CalcJob <-> Process
//	          |_ DataNode
package domain

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Step values for the per-job state machine.
const (
	StepCreated    = "created"
	StepUploading  = "uploading"
	StepSubmitting = "submitting"
	StepRunning    = "running"
	StepRetrieving = "retrieving"
	StepFinalised  = "finalised"
)

// State values, orthogonal to the step. Only "playing" processes are picked
// up by the engine.
const (
	StatePlaying  = "playing"
	StatePaused   = "paused"
	StateFinished = "finished"
	StateExcepted = "excepted"
)

// ScriptFilename is the fixed name of the rendered job script inside the
// remote per-job directory. It is never retrieved, since it can always be
// re-rendered.
const ScriptFilename = "job.sh"

// Row is embedded by every entity. The pk is assigned by the database on
// first save; frozen marks a row returned from the store, whose mutations
// must flow through an explicit save/update.
type Row struct {
	Pk     int64
	frozen bool
}

// PK returns the primary key, or 0 if the row was never saved.
func (r *Row) PK() int64 { return r.Pk }

// SetPK records the database-assigned primary key.
func (r *Row) SetPK(pk int64) { r.Pk = pk }

// Frozen reports whether the row is a read-only snapshot.
func (r *Row) Frozen() bool { return r.frozen }

// Freeze marks the row as a read-only snapshot.
func (r *Row) Freeze() { r.frozen = true }

// Thaw clears the frozen flag, for engine-internal updates.
func (r *Row) Thaw() { r.frozen = false }

// Entity is implemented by all persisted rows.
type Entity interface {
	PK() int64
	SetPK(int64)
	Frozen() bool
	Freeze()
	TableName() string
}

// Client is a connection to one remote FirecREST endpoint for one user.
type Client struct {
	Row
	Label        string
	ClientURL    string
	ClientID     string
	ClientSecret string
	TokenURI     string
	MachineName  string
	// WorkDir is the absolute working directory on the remote machine.
	WorkDir string
	// FSystem selects the remote path semantics, "posix" or "windows".
	FSystem string
	// SmallFileSizeMB is the inclusive upper bound for direct transfer;
	// anything larger is staged through the object store.
	SmallFileSizeMB int
}

func (*Client) TableName() string { return "client" }

func (c *Client) String() string {
	return fmt.Sprintf("Client(%d, %s)", c.Pk, c.Label)
}

// SmallFileSizeBytes returns the direct-transfer threshold in bytes.
func (c *Client) SmallFileSizeBytes() int64 {
	return int64(c.SmallFileSizeMB) * 1024 * 1024
}

// JoinWorkPath joins parts onto the client work directory, respecting the
// remote filesystem semantics.
func (c *Client) JoinWorkPath(parts ...string) string {
	if c.FSystem == "windows" {
		joined := strings.TrimRight(c.WorkDir, `\`)
		for _, p := range parts {
			joined += `\` + p
		}
		return joined
	}
	return path.Join(append([]string{c.WorkDir}, parts...)...)
}

// WorkflowPath returns the remote per-job directory for a calcjob uuid.
func (c *Client) WorkflowPath(uid string) string {
	return c.JoinWorkPath("workflows", uid)
}

// JoinRemote joins a relative POSIX path onto an absolute remote base,
// respecting the remote filesystem semantics.
func (c *Client) JoinRemote(base, rel string) string {
	parts := strings.Split(rel, "/")
	if c.FSystem == "windows" {
		joined := strings.TrimRight(base, `\`)
		for _, p := range parts {
			if p != "" {
				joined += `\` + p
			}
		}
		return joined
	}
	return path.Join(append([]string{base}, parts...)...)
}

// NewClient returns a client with defaulted label, fsystem and threshold.
func NewClient() *Client {
	return &Client{Label: RandomName(), FSystem: "posix", SmallFileSizeMB: 5}
}

// Code is a batch-script template plus the inputs shared by its calcjobs.
type Code struct {
	Row
	Label    string
	ClientPk int64
	// Script is the batch script template, rendered with the bindings
	// {{ calc }}, {{ code }} and {{ client }}.
	Script string
	// UploadPaths maps relative POSIX paths to object-store keys, or nil
	// for "create this directory".
	UploadPaths map[string]*string
}

func (*Code) TableName() string { return "code" }

func (c *Code) String() string {
	return fmt.Sprintf("Code(%d, %s)", c.Pk, c.Label)
}

// NewCode returns a code with a defaulted label.
func NewCode() *Code {
	return &Code{Label: RandomName(), UploadPaths: map[string]*string{}}
}

// CalcJob is one concrete execution of a code.
type CalcJob struct {
	Row
	Label  string
	UUID   string
	CodePk int64
	// Parameters is free-form JSON made available to the script template.
	Parameters map[string]any
	// UploadPaths is merged over the code's at run time; job-specific
	// files shadow code-level files.
	UploadPaths map[string]*string
	// DownloadGlobs select the outputs retrieved after completion.
	DownloadGlobs []string
}

func (*CalcJob) TableName() string { return "calcjob" }

func (c *CalcJob) String() string {
	return fmt.Sprintf("CalcJob(%d, %s)", c.Pk, c.Label)
}

// NewCalcJob returns a calcjob with a fresh uuid.
func NewCalcJob() *CalcJob {
	return &CalcJob{
		UUID:          uuid.NewString(),
		Parameters:    map[string]any{},
		UploadPaths:   map[string]*string{},
		DownloadGlobs: []string{},
	}
}

// Process is the mutable execution state of exactly one calcjob.
type Process struct {
	Row
	CalcJobPk int64
	Step      string
	State     string
	// JobID is assigned by the remote scheduler at submission.
	JobID *string
	// Exception holds "<Kind>: <message>" when the state is excepted.
	Exception *string
	// RetrievedPaths maps retrieved relative paths to object-store keys,
	// or nil for directories.
	RetrievedPaths map[string]*string
}

func (*Process) TableName() string { return "process" }

func (p *Process) String() string {
	return fmt.Sprintf("Process(%d, calcjob=%d)", p.Pk, p.CalcJobPk)
}

// DataNode is a persisted output record attached to a calcjob.
type DataNode struct {
	Row
	Attributes map[string]any
	CreatorPk  int64
}

func (*DataNode) TableName() string { return "data_node" }

func (d *DataNode) String() string {
	return fmt.Sprintf("DataNode(%d)", d.Pk)
}
