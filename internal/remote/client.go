// Package remote is the HTTP client for the field operations API.
//
// Every response is wrapped in an envelope ({success, data, message}) or a
// page ({data, meta}). Failures are classified into error kinds here so the
// orchestrator and handlers never look at status codes.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/session"
	"github.com/agrilink/fieldsync/backend/internal/telemetry"
)

// DefaultPageLimit is the page size used by FetchAll.
const DefaultPageLimit = 100

// maxPages stops FetchAll from following a server that never reports a
// last page.
const maxPages = 10000

// Config holds remote API connection settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	PageLimit int
}

// Credentials supplies the signed-in user, the bearer token and
// connectivity for each call. session.State satisfies it.
type Credentials interface {
	Session() (userID, token string)
	IsOnline() bool
}

// Client calls the remote API.
type Client struct {
	baseURL    *url.URL
	creds      Credentials
	pageLimit  int
	httpClient *http.Client
}

// NewClient creates a Client for cfg.BaseURL.
func NewClient(cfg Config, creds Credentials) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}

	return &Client{
		baseURL:   base,
		creds:     creds,
		pageLimit: cfg.PageLimit,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// envelope is decoded loosely: list endpoints omit success.
type envelope struct {
	Success *bool                  `json:"success"`
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Data    json.RawMessage        `json:"data"`
	Meta    *models.PaginationMeta `json:"meta"`
}

func (e *envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Get issues a GET and decodes the envelope data into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, query, nil, out)
	return err
}

// Post issues a POST with body and decodes the envelope data into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	_, err := c.do(ctx, http.MethodPost, path, nil, body, out)
	return err
}

// Put issues a PUT with body and decodes the envelope data into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	_, err := c.do(ctx, http.MethodPut, path, nil, body, out)
	return err
}

// Patch issues a PATCH with body and decodes the envelope data into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	_, err := c.do(ctx, http.MethodPatch, path, nil, body, out)
	return err
}

// List fetches one page of a list endpoint.
func List[T any](ctx context.Context, c *Client, path string, page, limit int) (*models.Page[T], error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var items []T
	meta, err := c.do(ctx, http.MethodGet, path, query, nil, &items)
	if err != nil {
		return nil, err
	}

	result := &models.Page[T]{Data: items}
	if meta != nil {
		result.Meta = *meta
	} else {
		// unpaginated endpoint
		result.Meta = models.PaginationMeta{Page: page, Limit: limit, Total: len(items), TotalPages: page}
	}
	return result, nil
}

// FetchAll walks every page of a list endpoint.
func FetchAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	for page := 1; page <= maxPages; page++ {
		p, err := List[T](ctx, c, path, page, c.pageLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if !p.HasNext() || len(p.Data) == 0 {
			return all, nil
		}
	}
	return nil, apperrors.New(apperrors.KindTransient, apperrors.ErrRemoteInvalid,
		fmt.Sprintf("%s: pagination did not terminate", path))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (*models.PaginationMeta, error) {
	ctx, span := telemetry.StartSpan(ctx, "remote."+strings.ToLower(method),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	defer span.End()

	meta, err := c.roundTrip(ctx, method, path, query, body, out)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
	}
	return meta, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) (*models.PaginationMeta, error) {
	if c.creds != nil && !c.creds.IsOnline() {
		return nil, apperrors.New(apperrors.KindOffline, apperrors.ErrSyncOffline, "no network connection")
	}

	req, err := c.createRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, apperrors.Wrap(apperrors.KindTransient, apperrors.ErrSyncTimeout, method+" "+path+" timed out", err)
		}
		return nil, apperrors.Wrap(apperrors.KindTransient, apperrors.ErrSyncFailed, method+" "+path+" failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, apperrors.ErrSyncFailed, "failed to read response body", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.message()
		if decodeErr != nil {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, statusError(resp.StatusCode, method, path, msg)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if decodeErr != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, apperrors.ErrRemoteInvalid, "malformed response from "+path, decodeErr)
	}
	if env.Success != nil && !*env.Success {
		msg := env.message()
		if msg == "" {
			msg = "request rejected by server"
		}
		return nil, apperrors.New(apperrors.KindConflict, apperrors.ErrSyncConflict, msg)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, apperrors.Wrap(apperrors.KindTransient, apperrors.ErrRemoteInvalid, "unexpected data from "+path, err)
		}
	}
	return env.Meta, nil
}

func (c *Client) createRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var signedIn, token string
	if c.creds != nil {
		signedIn, token = c.creds.Session()
	}
	if token == "" {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "no session token, sign in first")
	}
	// Replays carry the owner of the operation; only their own token may sign it.
	if owner := session.UserFromContext(ctx); owner != "" && owner != signedIn {
		return nil, apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth,
			fmt.Sprintf("request for user %s cannot use the session of another user", owner))
	}

	u := *c.baseURL
	u.Path = u.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, apperrors.ErrValidation, "failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", ksuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// statusError maps a non-2xx status to an error kind.
func statusError(status int, method, path, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	detail := fmt.Sprintf("%s %s: %d %s", method, path, status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth, detail)
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.KindNotFound, apperrors.ErrNotFound, detail)
	case status == http.StatusConflict:
		return apperrors.New(apperrors.KindConflict, apperrors.ErrSyncConflict, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return apperrors.New(apperrors.KindTransient, apperrors.ErrSyncFailed, detail)
	default:
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, msg)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
