package chargelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Chargeline HTTP API client: submit a charges
// spreadsheet, poll the job, download the enriched artifact.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  30 * time.Second,
	}
}

// Credentials for the remote practice-management API, forwarded with
// the upload.
type Credentials struct {
	CustomerKey string
	User        string
	Password    string
}

// Submission is the immediate response to an upload.
type Submission struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	StatusCheckToken string `json:"status_check_token"`
}

// JobStatus is one poll result.
type JobStatus struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	OriginalName string `json:"original_name"`
	OutputRef    string `json:"output_ref"`
	Message      string `json:"message"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Event is one job lifecycle entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit uploads a spreadsheet and returns the task handle.
func (c *Client) Submit(ctx context.Context, filename string, file io.Reader, creds Credentials) (Submission, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Submission{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return Submission{}, err
	}
	fields := map[string]string{
		"customer_key": creds.CustomerKey,
		"user":         creds.User,
		"password":     creds.Password,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Submission{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Submission{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("jobs"), &buf)
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp Submission
	err = c.send(req, &resp)
	return resp, err
}

// Status polls a job.
func (c *Client) Status(ctx context.Context, taskID, token string) (JobStatus, error) {
	var resp JobStatus
	err := c.get(ctx, c.endpoint("jobs/"+url.PathEscape(taskID)), token, &resp)
	return resp, err
}

// Events returns a job's lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, taskID, token string, limit int) ([]Event, error) {
	endpoint := c.endpoint("jobs/" + url.PathEscape(taskID) + "/events")
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.get(ctx, endpoint, token, &resp)
	return resp.Events, err
}

// FetchArtifact downloads the enriched spreadsheet into w.
func (c *Client) FetchArtifact(ctx context.Context, taskID, token string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("jobs/"+url.PathEscape(taskID)+"/file"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// WaitForCompletion polls until the job leaves pending or ctx expires.
func (c *Client) WaitForCompletion(ctx context.Context, taskID, token string, interval time.Duration) (JobStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, taskID, token)
		if err != nil {
			return status, err
		}
		if status.Status != "pending" {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) get(ctx context.Context, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) http() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	return base + "/" + prefix + "/" + strings.TrimLeft(p, "/")
}
