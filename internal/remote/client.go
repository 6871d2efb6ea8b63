// Package remote talks to the Event Forms API: Client is the console's
// document store and Identity its identity provider.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eventforms/api/internal/forms"
)

const defaultTimeout = 15 * time.Second

// ErrNoSession is returned for protected calls made while signed out.
var ErrNoSession = errors.New("no active session")

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.Status)
	}
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func IsNotFound(err error) bool     { return hasStatus(err, http.StatusNotFound) }
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// TokenSource supplies the bearer token for protected calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client implements console.Store over the HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

func (c *Client) ListForms(ctx context.Context) ([]forms.Form, error) {
	var out struct {
		Forms []forms.Form `json:"forms"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/forms", true, nil, &out); err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	return out.Forms, nil
}

// GetForm uses the public endpoint so the registration page works signed out.
func (c *Client) GetForm(ctx context.Context, id string) (forms.Form, error) {
	var out struct {
		Form forms.Form `json:"form"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/public/forms/"+url.PathEscape(id), false, nil, &out); err != nil {
		return forms.Form{}, fmt.Errorf("get form: %w", err)
	}
	return out.Form, nil
}

func (c *Client) CreateForm(ctx context.Context, draft forms.Draft) (forms.Form, error) {
	var out struct {
		Form forms.Form `json:"form"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/forms", true, draft, &out); err != nil {
		return forms.Form{}, fmt.Errorf("create form: %w", err)
	}
	return out.Form, nil
}

func (c *Client) UpdateForm(ctx context.Context, id string, patch forms.Patch) (forms.Form, error) {
	var out struct {
		Form forms.Form `json:"form"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/forms/"+url.PathEscape(id), true, patch, &out); err != nil {
		return forms.Form{}, fmt.Errorf("update form: %w", err)
	}
	return out.Form, nil
}

func (c *Client) DeleteForm(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/forms/"+url.PathEscape(id), true, nil, nil); err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	return nil
}

func (c *Client) SeedForms(ctx context.Context, items []forms.Form) (int, error) {
	var out struct {
		Seeded int `json:"seeded"`
	}
	in := map[string]any{"forms": items}
	if err := c.do(ctx, http.MethodPost, "/api/seed", true, in, &out); err != nil {
		return 0, fmt.Errorf("seed forms: %w", err)
	}
	return out.Seeded, nil
}

func (c *Client) ListRegistrations(ctx context.Context) ([]forms.Registration, error) {
	var out struct {
		Registrations []forms.Registration `json:"registrations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/registrations", true, nil, &out); err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return out.Registrations, nil
}

func (c *Client) ListFormRegistrations(ctx context.Context, formID string) ([]forms.Registration, error) {
	var out struct {
		Registrations []forms.Registration `json:"registrations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/forms/"+url.PathEscape(formID)+"/registrations", true, nil, &out); err != nil {
		return nil, fmt.Errorf("list form registrations: %w", err)
	}
	return out.Registrations, nil
}

func (c *Client) CreateRegistration(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	var out struct {
		Registration forms.Registration `json:"registration"`
	}
	in := map[string]string{"formId": formID, "name": sub.Name, "email": sub.Email}
	if err := c.do(ctx, http.MethodPost, "/api/public/registrations", false, in, &out); err != nil {
		return forms.Registration{}, fmt.Errorf("create registration: %w", err)
	}
	return out.Registration, nil
}

func (c *Client) IncrementSubmissions(ctx context.Context, formID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/public/forms/"+url.PathEscape(formID)+"/increment", false, nil, nil); err != nil {
		return fmt.Errorf("increment submissions: %w", err)
	}
	return nil
}

func (c *Client) SubmitRegistration(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	var out struct {
		Registration forms.Registration `json:"registration"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/public/forms/"+url.PathEscape(formID)+"/registrations", false, sub, &out); err != nil {
		return forms.Registration{}, fmt.Errorf("submit registration: %w", err)
	}
	return out.Registration, nil
}

// Ping checks that the API is up and its database reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/ready", false, nil, nil); err != nil {
		return fmt.Errorf("ping api: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, authenticated bool, in, out any) error {
	token := ""
	if authenticated {
		if c.tokens == nil {
			return ErrNoSession
		}
		var err error
		if token, err = c.tokens.AccessToken(ctx); err != nil {
			return err
		}
	}
	return doJSON(ctx, c.httpClient, method, c.baseURL+path, token, in, out)
}

func doJSON(ctx context.Context, httpClient *http.Client, method, target, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Code    string          `json:"code"`
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
		// details is only a field map for validation failures
		var fields map[string]string
		if len(payload.Details) > 0 && json.Unmarshal(payload.Details, &fields) == nil {
			apiErr.Details = fields
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
