package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	deployPath  = "/gerrit/deploy"
	setHeadPath = "/gerrit/setHead"
	updatePath  = "/gerrit/refupdate"
	batchPath   = "/gerrit/refupdate/batch"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// HTTPConfig configures an HTTPEngine.
type HTTPConfig struct {
	// URL is the base URL of the engine, for example `http://localhost:8082`.
	URL          string
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       logrus.FieldLogger
}

// HTTPEngine talks to the replication engine over HTTP. Requests which fail with a transport
// error or a server error are retried, so the engine may see a change more than once.
type HTTPEngine struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

// NewHTTPEngine creates an engine client from cfg.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing engine URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid engine URL %q", cfg.URL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = cfg.Logger
	}
	// Keep the last response so that its status and body can be reported.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPEngine{baseURL: baseURL, client: client}, nil
}

func (e *HTTPEngine) url(path string, query url.Values) string {
	u := *e.baseURL
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

func (e *HTTPEngine) do(ctx context.Context, method, target string, body interface{}) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequest(method, target, payload)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return e.client.Do(req)
}

func statusError(resp *http.Response) error {
	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("engine responded with %s: %s", resp.Status, bytes.TrimSpace(body))
}

// decode reads a JSON response into v. It returns false if the response carried no result.
func decode(resp *http.Response, v interface{}) (bool, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("reading response: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return false, nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	return true, nil
}

// Update implements Engine.
func (e *HTTPEngine) Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error) {
	resp, err := e.do(ctx, http.MethodPost, e.url(updatePath, nil), req)
	if err != nil {
		return nil, err
	}

	var result UpdateResult
	ok, err := decode(resp, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// Batch implements Engine.
func (e *HTTPEngine) Batch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	resp, err := e.do(ctx, http.MethodPost, e.url(batchPath, nil), req)
	if err != nil {
		return nil, err
	}

	var result BatchResult
	ok, err := decode(resp, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// SetHead implements Engine.
func (e *HTTPEngine) SetHead(ctx context.Context, repoPath string, target git.ReferenceName) error {
	resp, err := e.do(ctx, http.MethodPut, e.url(setHeadPath, url.Values{
		"newHead":  {target.String()},
		"repoPath": {repoPath},
	}), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Deploy implements Engine.
func (e *HTTPEngine) Deploy(ctx context.Context, repoPath string, timeout time.Duration) error {
	resp, err := e.do(ctx, http.MethodPut, e.url(deployPath, url.Values{
		"timeout":  {strconv.Itoa(int(timeout.Seconds()))},
		"repoPath": {repoPath},
	}), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrRepositoryExists, repoPath)
	default:
		return statusError(resp)
	}
}
