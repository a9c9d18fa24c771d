package firecrest

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/fireflow/fireflow/internal/domain"
)

// localTestingIP is the facade-internal address that signed URLs carry when
// running the dockerised demo; with local testing enabled it is rewritten to
// localhost before use.
const localTestingIP = "192.168.220.19"

// Client speaks to one FirecREST facade endpoint. When built with a token URI,
// requests carry a client-credentials bearer token, refreshed automatically;
// otherwise they are sent without auth. The client is
// re-entrant for independent requests and is cached per stored client row.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	localTesting bool
}

// Option configures a Client.
type Option func(*Client)

// WithLocalTesting enables the signed-URL host rewrite used when the facade
// runs in the local demo containers.
func WithLocalTesting(enabled bool) Option {
	return func(c *Client) { c.localTesting = enabled }
}

// WithHTTPClient overrides the underlying HTTP client, bypassing token auth.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a facade client. With a token URI the client authenticates via
// the OAuth2 client-credentials flow; without one requests are sent bare
// (used against the local stub).
func New(clientURL, clientID, clientSecret, tokenURI string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimRight(clientURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		if tokenURI != "" {
			conf := &clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				TokenURL:     tokenURI,
			}
			c.httpClient = conf.Client(context.Background())
		} else {
			c.httpClient = &http.Client{Timeout: 30 * time.Second}
		}
	}
	return c
}

func transportErrf(format string, args ...any) error {
	return domain.Errorf(domain.KindTransport, format, args...)
}

// do issues a request and decodes the JSON body into out (if non-nil).
// A not-found response is reported as a kinded not-found error.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErrf("FirecREST request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Not-Found") != "" || resp.StatusCode == http.StatusNotFound {
		return domain.Errorf(domain.KindNotFound, "remote path not found: %s", req.URL.Path)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportErrf("reading FirecREST response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transportErrf("FirecREST returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return transportErrf("decoding FirecREST response: %v", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, machine, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Machine-Name", machine)
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, machine, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Machine-Name", machine)
	return c.do(req, out)
}

// IsNotFound reports whether err is the facade's not-found response.
func IsNotFound(err error) bool {
	return domain.IsKind(err, domain.KindNotFound)
}

// Mkdir creates a directory on the remote machine.
func (c *Client) Mkdir(ctx context.Context, machine, path string, parents bool) error {
	form := url.Values{"targetPath": {path}}
	if parents {
		form.Set("p", "true")
	}
	return c.postForm(ctx, machine, "/utilities/mkdir", form, nil)
}

// SimpleUpload uploads a small file directly through the facade into
// targetDir/filename.
func (c *Client) SimpleUpload(ctx context.Context, machine string, source io.Reader, targetDir, filename string) error {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("targetPath", targetDir); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, source); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/utilities/upload", strings.NewReader(body.String()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Machine-Name", machine)
	return c.do(req, nil)
}

// SimpleDownload streams a small remote file into dest.
func (c *Client) SimpleDownload(ctx context.Context, machine, sourcePath string, dest io.Writer) error {
	query := url.Values{"sourcePath": {sourcePath}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/utilities/download?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Machine-Name", machine)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErrf("FirecREST download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Not-Found") != "" || resp.StatusCode == http.StatusNotFound {
		return domain.Errorf(domain.KindNotFound, "remote path not found: %s", sourcePath)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return transportErrf("FirecREST download returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if _, err := io.Copy(dest, resp.Body); err != nil {
		return transportErrf("streaming download: %v", err)
	}
	return nil
}

// Submit submits a batch script already present on the remote machine and
// returns the scheduler job id.
func (c *Client) Submit(ctx context.Context, machine, scriptPath string) (string, error) {
	var out struct {
		JobID any `json:"jobid"`
	}
	form := url.Values{"targetPath": {scriptPath}}
	if err := c.postForm(ctx, machine, "/compute/jobs", form, &out); err != nil {
		return "", err
	}
	// Schedulers disagree on whether the id is a string or a number.
	switch id := out.JobID.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", transportErrf("submit returned no job id for %s", scriptPath)
}

// Poll returns scheduler accounting records for the given job ids.
func (c *Client) Poll(ctx context.Context, machine string, jobs []string) ([]JobAcct, error) {
	var out struct {
		Output []JobAcct `json:"output"`
	}
	query := url.Values{"jobs": {strings.Join(jobs, ",")}}
	if err := c.getJSON(ctx, machine, "/compute/acct", query, &out); err != nil {
		return nil, err
	}
	return out.Output, nil
}

// ListFiles lists a remote directory.
func (c *Client) ListFiles(ctx context.Context, machine, path string, showHidden bool) ([]LsFile, error) {
	var out struct {
		Output []LsFile `json:"output"`
	}
	query := url.Values{"targetPath": {path}}
	if showHidden {
		query.Set("showhidden", "true")
	}
	if err := c.getJSON(ctx, machine, "/utilities/ls", query, &out); err != nil {
		return nil, err
	}
	return out.Output, nil
}

// Stat stats a remote path without following symlinks.
func (c *Client) Stat(ctx context.Context, machine, path string) (StatRecord, error) {
	var out struct {
		Output StatRecord `json:"output"`
	}
	query := url.Values{"targetPath": {path}}
	err := c.getJSON(ctx, machine, "/utilities/stat", query, &out)
	return out.Output, err
}

// Checksum returns the SHA-256 hex digest of a remote file.
func (c *Client) Checksum(ctx context.Context, machine, path string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	query := url.Values{"targetPath": {path}}
	if err := c.getJSON(ctx, machine, "/utilities/checksum", query, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// rewriteLocal applies the local-testing host rewrite to a signed URL.
func (c *Client) rewriteLocal(u string) string {
	if c.localTesting {
		return strings.Replace(u, localTestingIP, "localhost", 1)
	}
	return u
}
