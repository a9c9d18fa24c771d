package firecrest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"
)

// UploadHandle tracks one external (staged) upload task on the facade.
type UploadHandle struct {
	c          *Client
	machine    string
	taskID     string
	inProgress bool
	data       UploadStorageData
}

// DownloadHandle tracks one external (staged) download task on the facade.
type DownloadHandle struct {
	c          *Client
	machine    string
	taskID     string
	inProgress bool
	url        string
}

type taskStatus struct {
	InProgress bool            `json:"in_progress"`
	Data       json.RawMessage `json:"object_storage_data"`
}

// ExternalUpload begins a staged upload of filename into targetDir and
// returns its handle. The caller posts the bytes to the signed URL in the
// handle parameters, then polls until the transfer leaves in-progress.
func (c *Client) ExternalUpload(ctx context.Context, machine, filename, targetDir string) (*UploadHandle, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	form := url.Values{"sourcePath": {filename}, "targetPath": {targetDir}}
	if err := c.postForm(ctx, machine, "/storage/xfer-external/upload", form, &out); err != nil {
		return nil, err
	}
	h := &UploadHandle{c: c, machine: machine, taskID: out.TaskID, inProgress: true}
	if err := h.Refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Refresh re-reads the task state from the facade.
func (h *UploadHandle) Refresh(ctx context.Context) error {
	var status taskStatus
	if err := h.c.getJSON(ctx, h.machine, "/tasks/"+h.taskID, nil, &status); err != nil {
		return err
	}
	h.inProgress = status.InProgress
	if len(status.Data) > 0 {
		if err := json.Unmarshal(status.Data, &h.data); err != nil {
			return transportErrf("decoding object storage data: %v", err)
		}
	}
	return nil
}

// InProgress reports whether the facade is still moving the object.
func (h *UploadHandle) InProgress() bool { return h.inProgress }

// Parameters returns the signed-URL form parameters, with the local-testing
// host rewrite applied.
func (h *UploadHandle) Parameters() UploadParameters {
	params := h.data.Parameters
	params.URL = h.c.rewriteLocal(params.URL)
	return params
}

// Invalidate releases the task's object storage link.
func (h *UploadHandle) Invalidate(ctx context.Context) error {
	return h.c.postForm(ctx, h.machine, "/tasks/"+h.taskID+"/invalidate", nil, nil)
}

// UploadToSignedURL posts the object bytes as a multipart form to the signed
// URL: first field is the file, the remaining fields come from Data.
func (c *Client) UploadToSignedURL(ctx context.Context, params UploadParameters, filename string, source io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, source); err != nil {
		return err
	}
	for key, value := range params.Data {
		if err := mw.WriteField(key, value); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	target := params.URL
	if len(params.Params) > 0 {
		q := url.Values{}
		for k, v := range params.Params {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErrf("staged upload failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(resp.Body)
		return transportErrf("staged upload returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// ExternalUploadFile runs the whole staged-upload dance: begin the task,
// post the bytes to the signed URL, then poll until the facade reports the
// transfer complete.
func (c *Client) ExternalUploadFile(ctx context.Context, machine string, source io.Reader,
	targetDir, filename string, interval, timeout time.Duration) error {
	handle, err := c.ExternalUpload(ctx, machine, filename, targetDir)
	if err != nil {
		return err
	}
	if err := c.UploadToSignedURL(ctx, handle.Parameters(), filename, source); err != nil {
		return err
	}
	return WaitUntil(ctx, interval, timeout, "object transfer", func(ctx context.Context) (bool, error) {
		if err := handle.Refresh(ctx); err != nil {
			return false, err
		}
		return !handle.InProgress(), nil
	})
}

// ExternalDownload begins a staged download of sourcePath and returns its
// handle. Poll until ready, then stream from the signed URL and invalidate.
func (c *Client) ExternalDownload(ctx context.Context, machine, sourcePath string) (*DownloadHandle, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	form := url.Values{"sourcePath": {sourcePath}}
	if err := c.postForm(ctx, machine, "/storage/xfer-external/download", form, &out); err != nil {
		return nil, err
	}
	h := &DownloadHandle{c: c, machine: machine, taskID: out.TaskID, inProgress: true}
	if err := h.Refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Refresh re-reads the task state from the facade.
func (h *DownloadHandle) Refresh(ctx context.Context) error {
	var status taskStatus
	if err := h.c.getJSON(ctx, h.machine, "/tasks/"+h.taskID, nil, &status); err != nil {
		return err
	}
	h.inProgress = status.InProgress
	if len(status.Data) > 0 {
		if err := json.Unmarshal(status.Data, &h.url); err != nil {
			return transportErrf("decoding download url: %v", err)
		}
	}
	return nil
}

// InProgress reports whether the facade is still staging the object.
func (h *DownloadHandle) InProgress() bool { return h.inProgress }

// URL returns the signed download URL, with the local-testing host rewrite
// applied.
func (h *DownloadHandle) URL() string { return h.c.rewriteLocal(h.url) }

// Invalidate releases the task's object storage link.
func (h *DownloadHandle) Invalidate(ctx context.Context) error {
	return h.c.postForm(ctx, h.machine, "/tasks/"+h.taskID+"/invalidate", nil, nil)
}

// ExternalDownloadFile runs the staged-download dance: begin, poll until the
// signed URL is ready, stream the body into dest, then invalidate the handle.
// A file:// URL is copied from the local filesystem instead of fetched, the
// workaround used when the facade's object store is not directly reachable.
func (c *Client) ExternalDownloadFile(ctx context.Context, machine, sourcePath string,
	dest io.Writer, interval, timeout time.Duration) error {
	handle, err := c.ExternalDownload(ctx, machine, sourcePath)
	if err != nil {
		return err
	}
	err = WaitUntil(ctx, interval, timeout, "object transfer", func(ctx context.Context) (bool, error) {
		if err := handle.Refresh(ctx); err != nil {
			return false, err
		}
		return !handle.InProgress(), nil
	})
	if err != nil {
		return err
	}
	if err := c.downloadURL(ctx, handle.URL(), dest); err != nil {
		return err
	}
	return handle.Invalidate(ctx)
}

func (c *Client) downloadURL(ctx context.Context, target string, dest io.Writer) error {
	if u, err := url.Parse(target); err == nil && u.Scheme == "file" {
		f, err := os.Open(u.Path)
		if err != nil {
			return transportErrf("opening staged file: %v", err)
		}
		defer f.Close()
		_, err = io.Copy(dest, f)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErrf("staged download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return transportErrf("staged download returned %d: %s", resp.StatusCode, string(msg))
	}
	if _, err := io.Copy(dest, resp.Body); err != nil {
		return transportErrf("streaming staged download: %v", err)
	}
	return nil
}
