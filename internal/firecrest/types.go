// Package firecrest wraps a FirecREST-like REST facade: batch-scheduler
// submission and polling, small-file transfer over the API, and large-file
// staging through signed object-store URLs.
package firecrest

// JobAcct is a job accounting record from the scheduler poll endpoint.
type JobAcct struct {
	JobID     string `json:"jobid"`
	Name      string `json:"name"`
	NodeList  string `json:"nodelist"`
	Nodes     string `json:"nodes"`
	Partition string `json:"partition"`
	StartTime string `json:"start_time"`
	State     string `json:"state"`
	Time      string `json:"time"`
	TimeLeft  string `json:"time_left"`
	User      string `json:"user"`
}

// LsFile is a file listing record from the ls endpoint. Type is the
// single-character file type used by ls -l: b, c, d, l, s, p or "-".
type LsFile struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size,string"`
	LinkTarget   string `json:"link_target"`
	User         string `json:"user"`
	Group        string `json:"group"`
	Permissions  string `json:"permissions"`
	LastModified string `json:"last_modified"`
}

// LsFileRecurse is an LsFile yielded by a recursive listing, annotated with
// its full path and depth below the listing root.
type LsFileRecurse struct {
	LsFile
	Path  string
	Depth int
}

// StatRecord is a file stat record, equivalent to stat(2) output.
type StatRecord struct {
	Atime int64 `json:"atime"`
	Ctime int64 `json:"ctime"`
	Mtime int64 `json:"mtime"`
	Dev   int64 `json:"dev"`
	Ino   int64 `json:"ino"`
	Mode  int64 `json:"mode"`
	Nlink int64 `json:"nlink"`
	Size  int64 `json:"size"`
	UID   int64 `json:"uid"`
	GID   int64 `json:"gid"`
}

// UploadParameters describes the signed-URL form POST for an external
// upload, as returned by the facade.
type UploadParameters struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Data    map[string]string `json:"data"`
	Headers map[string]string `json:"headers"`
	JSON    map[string]any    `json:"json"`
	Params  map[string]string `json:"params"`
}

// UploadStorageData is the "object storage data" record on an external
// upload handle.
type UploadStorageData struct {
	Parameters UploadParameters `json:"parameters"`
}
