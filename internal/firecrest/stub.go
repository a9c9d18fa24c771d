package firecrest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// StubServer is an in-process FirecREST-like facade backed by an in-memory
// filesystem and a scriptable fake scheduler. It exists for tests and for
// local demo runs; every response is synthesised.
type StubServer struct {
	mu     sync.Mutex
	nodes  map[string]*stubNode
	jobs   map[string]*stubJob
	tasks  map[string]*stubTask
	nextID int

	baseURL string

	// SchedulerPolls is how many acct polls a job answers RUNNING before
	// turning COMPLETED. Negative means the job never completes.
	SchedulerPolls int

	// Counters for assertions.
	SimpleUploads int
	StagedUploads int
	Submissions   int

	router chi.Router
}

type stubNode struct {
	typ        string // "d", "-", "l"
	content    []byte
	linkTarget string
}

type stubJob struct {
	id         string
	scriptPath string
	polls      int
}

type stubTask struct {
	id          string
	kind        string // "upload" or "download"
	targetDir   string
	filename    string
	sourcePath  string
	transferred bool
	invalidated bool
}

// NewStubServer returns a stub with an empty filesystem and an immediately
// completing scheduler.
func NewStubServer() *StubServer {
	s := &StubServer{
		nodes: map[string]*stubNode{"/": {typ: "d"}},
		jobs:  map[string]*stubJob{},
		tasks: map[string]*stubTask{},
	}
	r := chi.NewRouter()
	r.Post("/utilities/mkdir", s.handleMkdir)
	r.Post("/utilities/upload", s.handleUpload)
	r.Get("/utilities/download", s.handleDownload)
	r.Get("/utilities/ls", s.handleLs)
	r.Get("/utilities/stat", s.handleStat)
	r.Get("/utilities/checksum", s.handleChecksum)
	r.Post("/compute/jobs", s.handleSubmit)
	r.Get("/compute/acct", s.handleAcct)
	r.Post("/storage/xfer-external/upload", s.handleExternalUpload)
	r.Post("/storage/xfer-external/download", s.handleExternalDownload)
	r.Get("/tasks/{taskID}", s.handleTask)
	r.Post("/tasks/{taskID}/invalidate", s.handleInvalidate)
	r.Post("/objstore/{taskID}", s.handleObjstorePost)
	r.Get("/objstore/dl/{taskID}", s.handleObjstoreGet)
	s.router = r
	return s
}

// Handler returns the HTTP handler to mount.
func (s *StubServer) Handler() http.Handler { return s.router }

// SetBaseURL records the externally visible address, used to mint signed
// object-store URLs.
func (s *StubServer) SetBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(u, "/")
}

// WriteFile places a file into the stub filesystem, creating parents.
func (s *StubServer) WriteFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDir(path.Dir(p))
	s.nodes[path.Clean(p)] = &stubNode{typ: "-", content: content}
}

// Symlink places a symlink into the stub filesystem.
func (s *StubServer) Symlink(p, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDir(path.Dir(p))
	s.nodes[path.Clean(p)] = &stubNode{typ: "l", linkTarget: target}
}

// ReadFile reads a file back out of the stub filesystem.
func (s *StubServer) ReadFile(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[path.Clean(p)]
	if !ok || node.typ != "-" {
		return nil, false
	}
	return node.content, true
}

// HasDir reports whether a directory exists in the stub filesystem.
func (s *StubServer) HasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[path.Clean(p)]
	return ok && node.typ == "d"
}

func (s *StubServer) ensureDir(p string) {
	p = path.Clean(p)
	if p == "." || p == "" {
		return
	}
	var parts []string
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, seg)
		dir := "/" + strings.Join(parts, "/")
		if _, ok := s.nodes[dir]; !ok {
			s.nodes[dir] = &stubNode{typ: "d"}
		}
	}
}

func (s *StubServer) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func notFoundResponse(w http.ResponseWriter) {
	w.Header().Set("X-Not-Found", "true")
	http.Error(w, `{"error":"path not found"}`, http.StatusBadRequest)
}

func (s *StubServer) handleMkdir(w http.ResponseWriter, r *http.Request) {
	target := path.Clean(r.FormValue("targetPath"))
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.FormValue("p") == "true" {
		s.ensureDir(target)
	} else {
		if _, ok := s.nodes[path.Dir(target)]; !ok {
			notFoundResponse(w)
			return
		}
		s.nodes[target] = &stubNode{typ: "d"}
	}
	writeJSON(w, map[string]string{"output": ""})
}

func (s *StubServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target := path.Clean(r.FormValue("targetPath"))
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[target]; !ok || node.typ != "d" {
		notFoundResponse(w)
		return
	}
	s.nodes[path.Join(target, header.Filename)] = &stubNode{typ: "-", content: content}
	s.SimpleUploads++
	writeJSON(w, map[string]string{"output": ""})
}

func (s *StubServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	source := path.Clean(r.URL.Query().Get("sourcePath"))
	s.mu.Lock()
	node, ok := s.nodes[source]
	s.mu.Unlock()
	if !ok || node.typ != "-" {
		notFoundResponse(w)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(node.content)
}

func (s *StubServer) handleLs(w http.ResponseWriter, r *http.Request) {
	target := path.Clean(r.URL.Query().Get("targetPath"))
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.nodes[target]
	if !ok || dir.typ != "d" {
		notFoundResponse(w)
		return
	}
	var entries []map[string]string
	var names []string
	prefix := strings.TrimSuffix(target, "/") + "/"
	for p := range s.nodes {
		if !strings.HasPrefix(p, prefix) || p == target {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	for _, name := range names {
		node := s.nodes[prefix+name]
		entries = append(entries, map[string]string{
			"name":          name,
			"type":          node.typ,
			"size":          strconv.Itoa(len(node.content)),
			"link_target":   node.linkTarget,
			"user":          "stub",
			"group":         "stub",
			"permissions":   "rwxr-xr-x",
			"last_modified": "2023-01-01T00:00:00",
		})
	}
	writeJSON(w, map[string]any{"output": entries})
}

func (s *StubServer) handleStat(w http.ResponseWriter, r *http.Request) {
	target := path.Clean(r.URL.Query().Get("targetPath"))
	s.mu.Lock()
	node, ok := s.nodes[target]
	s.mu.Unlock()
	if !ok {
		notFoundResponse(w)
		return
	}
	mode := int64(0o100644)
	if node.typ == "d" {
		mode = 0o040755
	}
	writeJSON(w, map[string]any{"output": map[string]int64{
		"size": int64(len(node.content)), "mode": mode,
		"atime": 0, "ctime": 0, "mtime": 0, "dev": 1, "ino": 1, "nlink": 1, "uid": 0, "gid": 0,
	}})
}

func (s *StubServer) handleChecksum(w http.ResponseWriter, r *http.Request) {
	target := path.Clean(r.URL.Query().Get("targetPath"))
	s.mu.Lock()
	node, ok := s.nodes[target]
	s.mu.Unlock()
	if !ok || node.typ != "-" {
		notFoundResponse(w)
		return
	}
	sum := sha256.Sum256(node.content)
	writeJSON(w, map[string]string{"output": hex.EncodeToString(sum[:])})
}

var echoLine = regexp.MustCompile(`(?m)^\s*echo\s+(.+?)\s*>\s*(\S+)\s*$`)

func (s *StubServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	scriptPath := path.Clean(r.FormValue("targetPath"))
	s.mu.Lock()
	defer s.mu.Unlock()
	script, ok := s.nodes[scriptPath]
	if !ok || script.typ != "-" {
		notFoundResponse(w)
		return
	}
	job := &stubJob{id: s.newID("job"), scriptPath: scriptPath}
	s.jobs[job.id] = job
	s.Submissions++

	// Interpret `echo X > file` lines so the script visibly "ran" once the
	// job completes, relative to the script directory.
	dir := path.Dir(scriptPath)
	for _, m := range echoLine.FindAllStringSubmatch(string(script.content), -1) {
		out := path.Join(dir, m[2])
		s.ensureDir(path.Dir(out))
		s.nodes[out] = &stubNode{typ: "-", content: []byte(strings.Trim(m[1], `"'`) + "\n")}
	}

	writeJSON(w, map[string]string{"jobid": job.id})
}

func (s *StubServer) handleAcct(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("jobs"), ",")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]string
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		job.polls++
		state := "COMPLETED"
		if s.SchedulerPolls < 0 || job.polls <= s.SchedulerPolls {
			state = "RUNNING"
		}
		out = append(out, map[string]string{
			"jobid": job.id, "name": path.Base(job.scriptPath), "state": state,
			"nodelist": "stub01", "nodes": "1", "partition": "debug",
			"start_time": "00:00", "time": "00:01", "time_left": "NA", "user": "stub",
		})
	}
	writeJSON(w, map[string]any{"output": out})
}

func (s *StubServer) handleExternalUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &stubTask{
		id:        s.newID("task"),
		kind:      "upload",
		targetDir: path.Clean(r.FormValue("targetPath")),
		filename:  r.FormValue("sourcePath"),
	}
	s.tasks[task.id] = task
	writeJSON(w, map[string]string{"task_id": task.id})
}

func (s *StubServer) handleExternalDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source := path.Clean(r.FormValue("sourcePath"))
	if node, ok := s.nodes[source]; !ok || node.typ != "-" {
		notFoundResponse(w)
		return
	}
	task := &stubTask{id: s.newID("task"), kind: "download", sourcePath: source, transferred: true}
	s.tasks[task.id] = task
	writeJSON(w, map[string]string{"task_id": task.id})
}

func (s *StubServer) handleTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		notFoundResponse(w)
		return
	}
	var data any
	switch task.kind {
	case "upload":
		data = UploadStorageData{Parameters: UploadParameters{
			URL:    s.baseURL + "/objstore/" + task.id,
			Method: http.MethodPost,
			Data:   map[string]string{"key": task.id},
		}}
	case "download":
		data = s.baseURL + "/objstore/dl/" + task.id
	}
	writeJSON(w, map[string]any{
		"in_progress":         !task.transferred,
		"object_storage_data": data,
	})
}

func (s *StubServer) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		notFoundResponse(w)
		return
	}
	task.invalidated = true
	writeJSON(w, map[string]string{"output": ""})
}

func (s *StubServer) handleObjstorePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[chi.URLParam(r, "taskID")]
	if !ok || task.kind != "upload" {
		http.Error(w, `{"error":"unknown task"}`, http.StatusBadRequest)
		return
	}
	s.ensureDir(task.targetDir)
	s.nodes[path.Join(task.targetDir, task.filename)] = &stubNode{typ: "-", content: content}
	task.transferred = true
	s.StagedUploads++
	w.WriteHeader(http.StatusOK)
}

func (s *StubServer) handleObjstoreGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	task, ok := s.tasks[chi.URLParam(r, "taskID")]
	var node *stubNode
	if ok && task.kind == "download" && !task.invalidated {
		node = s.nodes[task.sourcePath]
	}
	s.mu.Unlock()
	if node == nil || node.typ != "-" {
		http.Error(w, `{"error":"no such object"}`, http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(node.content)
}
