package offline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
)

// ErrOffline wraps transport failures: the server could not be reached.
var ErrOffline = errors.New("offline")

// HTTPError is a non-2xx answer from the server. Code is the stable wire
// code, e.g. LIMIT_REACHED.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the same request may succeed later without
// anything changing on the device.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// Remote is the server API the device talks to.
type Remote interface {
	GetTeam(ctx context.Context, teamID string) (*teamdomain.TeamResponse, error)
	PeekNextShortID(ctx context.Context, teamID string) (*teamdomain.NextShortIDResponse, error)
	CreateMatter(ctx context.Context, req matterdomain.CreateMatterRequest) (*matterdomain.CreateResult, error)
	ListMatters(ctx context.Context, teamID string, after int64, limit int) (*matterdomain.ListResponse, error)
	// Stream calls handle for every event until ctx ends or the stream drops.
	Stream(ctx context.Context, teamID string, handle func(liveevents.Event) error) error
}

type HTTPRemote struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func NewHTTPRemote(baseURL, token string, httpClient *http.Client) *HTTPRemote {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	streamClient := *httpClient
	streamClient.Timeout = 0
	return &HTTPRemote{
		baseURL:      baseURL,
		token:        strings.TrimSpace(token),
		httpClient:   httpClient,
		streamClient: &streamClient,
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
}

func (c *HTTPRemote) GetTeam(ctx context.Context, teamID string) (*teamdomain.TeamResponse, error) {
	var out teamdomain.TeamResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/teams/"+url.PathEscape(teamID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemote) PeekNextShortID(ctx context.Context, teamID string) (*teamdomain.NextShortIDResponse, error) {
	var out teamdomain.NextShortIDResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/teams/"+url.PathEscape(teamID)+"/short-ids/next", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMatter is safe to retry: the matter id makes the call idempotent.
func (c *HTTPRemote) CreateMatter(ctx context.Context, req matterdomain.CreateMatterRequest) (*matterdomain.CreateResult, error) {
	var out matterdomain.CreateResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/matters", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemote) ListMatters(ctx context.Context, teamID string, after int64, limit int) (*matterdomain.ListResponse, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/teams/" + url.PathEscape(teamID) + "/matters"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out matterdomain.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemote) Stream(ctx context.Context, teamID string, handle func(liveevents.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/teams/"+url.PathEscape(teamID)+"/stream", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, false)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return decodeHTTPError(resp.StatusCode, payload)
	}

	err = readEvents(resp.Body, handle)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: stream closed", ErrOffline)
}

// readEvents parses a server-sent event stream. Comments, retry hints and
// event names are skipped; each data block is one JSON event.
func readEvents(r io.Reader, handle func(liveevents.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var event liveevents.Event
			if err := json.Unmarshal([]byte(data.String()), &event); err == nil {
				if err := handle(event); err != nil {
					return err
				}
			}
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (c *HTTPRemote) setHeaders(req *http.Request, hasBody bool) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func (c *HTTPRemote) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		c.setHeaders(req, body != nil)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrOffline, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		httpErr := decodeHTTPError(resp.StatusCode, payload)
		if httpErr.Temporary() && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return httpErr
	}
}

func decodeHTTPError(status int, payload []byte) *HTTPError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &envelope)
	message := envelope.Error.Message
	if message == "" {
		message = http.StatusText(status)
	}
	return &HTTPError{
		StatusCode: status,
		Code:       envelope.Error.Code,
		Message:    message,
	}
}

func (c *HTTPRemote) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
