package engine

import (
	"bytes"
	"context"
	"path"
	"sort"
	"strings"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/firecrest"
	"github.com/fireflow/fireflow/internal/remote"
	"github.com/fireflow/fireflow/internal/storage"
)

// copyToRemote creates the remote per-job directory, renders and uploads the
// job script, then uploads the input files and directories. Code-level paths
// go first so that job-specific paths may shadow them.
func (e *Engine) copyToRemote(ctx context.Context, g *storage.JobGraph) error {
	t := e.transport(g.Client)
	machine := g.Client.MachineName
	remoteDir := g.Client.WorkflowPath(g.Calc.UUID)
	report(g.Process.Pk, "uploading files to remote")

	if err := t.Mkdir(ctx, machine, remoteDir, true); err != nil {
		return err
	}

	script, err := RenderScript(g.Calc, g.Code, g.Client)
	if err != nil {
		return err
	}
	if err := t.SimpleUpload(ctx, machine, strings.NewReader(script), remoteDir, domain.ScriptFilename); err != nil {
		return err
	}

	for _, entry := range mergedUploads(g.Code.UploadPaths, g.Calc.UploadPaths) {
		if err := e.uploadEntry(ctx, g, t, remoteDir, entry.rel, entry.key); err != nil {
			return err
		}
	}
	return nil
}

type uploadEntry struct {
	rel string
	key *string
}

// mergedUploads yields code entries then calcjob entries, each in sorted
// path order. A calcjob path equal to a code path is uploaded second, so the
// job-specific content wins on the remote.
func mergedUploads(code, calc map[string]*string) []uploadEntry {
	var out []uploadEntry
	for _, m := range []map[string]*string{code, calc} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, uploadEntry{rel: k, key: m[k]})
		}
	}
	return out
}

func (e *Engine) uploadEntry(ctx context.Context, g *storage.JobGraph, t Transport,
	remoteDir, rel string, key *string) error {
	machine := g.Client.MachineName
	remotePath := g.Client.JoinRemote(remoteDir, rel)

	if key == nil {
		return t.Mkdir(ctx, machine, remotePath, true)
	}

	targetDir := remoteDir
	if relDir := path.Dir(rel); relDir != "." {
		targetDir = g.Client.JoinRemote(remoteDir, relDir)
		if err := t.Mkdir(ctx, machine, targetDir, true); err != nil {
			return err
		}
	}

	size, err := e.store.Objects().Size(*key)
	if err != nil {
		return err
	}
	reader, err := e.store.Objects().OpenRead(*key)
	if err != nil {
		return err
	}
	defer reader.Close()

	name := path.Base(rel)
	if size <= g.Client.SmallFileSizeBytes() {
		return t.SimpleUpload(ctx, machine, reader, targetDir, name)
	}
	return t.ExternalUploadFile(ctx, machine, reader, targetDir, name,
		e.cfg.TransferInterval, e.cfg.TransferTimeout)
}

// submitOnRemote submits the uploaded script and records the scheduler job
// id on the process.
func (e *Engine) submitOnRemote(ctx context.Context, g *storage.JobGraph) error {
	t := e.transport(g.Client)
	scriptPath := g.Client.JoinRemote(g.Client.WorkflowPath(g.Calc.UUID), domain.ScriptFilename)
	report(g.Process.Pk, "submitting on remote")
	jobID, err := t.Submit(ctx, g.Client.MachineName, scriptPath)
	if err != nil {
		return err
	}
	g.Process.JobID = &jobID
	return nil
}

// pollUntilFinished polls the scheduler for the recorded job id until it
// reports COMPLETED.
func (e *Engine) pollUntilFinished(ctx context.Context, g *storage.JobGraph) error {
	if g.Process.JobID == nil {
		return domain.Errorf(domain.KindValidation, "process %d has no job id to poll", g.Process.Pk)
	}
	t := e.transport(g.Client)
	report(g.Process.Pk, "polling job until finished")
	return firecrest.WaitUntil(ctx, e.cfg.PollInterval, e.cfg.PollTimeout, "calcjob to finish",
		func(ctx context.Context) (bool, error) {
			results, err := t.Poll(ctx, g.Client.MachineName, []string{*g.Process.JobID})
			if err != nil {
				return false, err
			}
			return len(results) > 0 && results[0].State == "COMPLETED", nil
		})
}

// copyFromRemote retrieves the outputs selected by the download globs into
// the object store and records the path-to-key map on the process. Regular
// files are checksummed first and only downloaded when the content is not
// already stored; directories record a nil key; symlinks are skipped, as is
// the job script, which can always be re-rendered.
func (e *Engine) copyFromRemote(ctx context.Context, g *storage.JobGraph) error {
	t := e.transport(g.Client)
	machine := g.Client.MachineName
	remoteDir := g.Client.WorkflowPath(g.Calc.UUID)
	report(g.Process.Pk, "downloading files from remote")

	root := remote.NewPathWithInfo(transportFS{t: t, machine: machine}, remoteDir, remote.TypeDirectory, 0)
	retrieved := map[string]*string{}

	for _, pattern := range g.Calc.DownloadGlobs {
		matches, err := remote.Glob(ctx, root, pattern)
		if err != nil {
			return err
		}
		for _, match := range matches {
			savePath := strings.TrimPrefix(match.PathString(), strings.TrimSuffix(remoteDir, "/")+"/")
			if savePath == domain.ScriptFilename {
				continue
			}
			if err := e.retrieveMatch(ctx, g, t, match, savePath, retrieved); err != nil {
				return err
			}
		}
	}

	g.Process.RetrievedPaths = retrieved

	attrs := make(map[string]any, len(retrieved))
	for p, key := range retrieved {
		if key == nil {
			attrs[p] = nil
		} else {
			attrs[p] = *key
		}
	}
	node := &domain.DataNode{
		Attributes: map[string]any{"retrieved_paths": attrs},
		CreatorPk:  g.Calc.Pk,
	}
	return e.store.SaveRow(ctx, node)
}

func (e *Engine) retrieveMatch(ctx context.Context, g *storage.JobGraph, t Transport,
	match *remote.Path, savePath string, retrieved map[string]*string) error {
	machine := g.Client.MachineName

	if isLink, err := match.IsSymlink(ctx); err != nil || isLink {
		return err
	}
	if isDir, err := match.IsDir(ctx); err != nil {
		return err
	} else if isDir {
		retrieved[savePath] = nil
		return nil
	}
	isFile, err := match.IsFile(ctx)
	if err != nil || !isFile {
		return err
	}

	checksum, err := t.Checksum(ctx, machine, match.PathString())
	if err != nil {
		return err
	}
	if ok, err := e.store.Objects().Contains(checksum); err != nil {
		return err
	} else if ok {
		retrieved[savePath] = &checksum
		return nil
	}

	size, _, err := match.Size(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if size <= g.Client.SmallFileSizeBytes() {
		if err := t.SimpleDownload(ctx, machine, match.PathString(), &buf); err != nil {
			return err
		}
	} else {
		if err := t.ExternalDownloadFile(ctx, machine, match.PathString(), &buf,
			e.cfg.TransferInterval, e.cfg.TransferTimeout); err != nil {
			return err
		}
	}
	key, err := e.store.Objects().AddFromBytes(buf.Bytes())
	if err != nil {
		return err
	}
	if key != checksum {
		return domain.Errorf(domain.KindIntegrity,
			"checksum mismatch for downloaded file: %s", match.PathString())
	}
	retrieved[savePath] = &key
	return nil
}

// transportFS adapts a Transport to the remote.FS surface for one machine.
type transportFS struct {
	t       Transport
	machine string
}

func (f transportFS) Stat(ctx context.Context, p string) (firecrest.StatRecord, error) {
	return f.t.Stat(ctx, f.machine, p)
}

func (f transportFS) ListFiles(ctx context.Context, p string, showHidden bool) ([]firecrest.LsFile, error) {
	return f.t.ListFiles(ctx, f.machine, p, showHidden)
}
