package contentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

// Record is one structured resource as returned by the persistence API. Field
// names are not normalized here; see Ingester.
type Record map[string]json.RawMessage

// RemoteClient is the persistence API: get, list-by-parent, create, update and
// delete for courses, modules and lessons. Creates carry an idempotency key so
// a retried create never produces a second resource.
type RemoteClient interface {
	GetCourse(ctx context.Context, courseID string) (Record, error)
	ListModules(ctx context.Context, courseID string) ([]Record, error)
	ListLessons(ctx context.Context, moduleID string) ([]Record, error)

	CreateCourse(ctx context.Context, idempotencyKey string, payload curriculum.CoursePayload) (Record, error)
	UpdateCourse(ctx context.Context, courseID string, payload curriculum.CoursePayload) (Record, error)

	CreateModule(ctx context.Context, courseID, idempotencyKey string, payload curriculum.ModulePayload) (Record, error)
	UpdateModule(ctx context.Context, moduleID string, payload curriculum.ModulePayload) (Record, error)
	DeleteModule(ctx context.Context, moduleID string) error

	CreateLesson(ctx context.Context, moduleID, idempotencyKey string, payload curriculum.LessonPayload) (Record, error)
	UpdateLesson(ctx context.Context, lessonID string, payload curriculum.LessonPayload) (Record, error)
	DeleteLesson(ctx context.Context, lessonID string) error
}

type HTTPClientOptions struct {
	Logger     *logger.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to the persistence API. 429s, 5xx responses and transport
// errors are retried with exponential backoff, honouring Retry-After; every
// attempt of one call shares a correlation id.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		log:        logger.OrNop(opts.Logger).With("component", "contentsync.http"),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

func (c *HTTPClient) GetCourse(ctx context.Context, courseID string) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodGet, "/v1/courses/"+url.PathEscape(courseID), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) ListModules(ctx context.Context, courseID string) ([]Record, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/courses/%s/modules", url.PathEscape(courseID)), nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeRecordList(raw)
}

func (c *HTTPClient) ListLessons(ctx context.Context, moduleID string) ([]Record, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/modules/%s/lessons", url.PathEscape(moduleID)), nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeRecordList(raw)
}

func (c *HTTPClient) CreateCourse(ctx context.Context, idempotencyKey string, payload curriculum.CoursePayload) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPost, "/v1/courses", idempotencyHeaders(idempotencyKey), payload, &out)
	return out, err
}

func (c *HTTPClient) UpdateCourse(ctx context.Context, courseID string, payload curriculum.CoursePayload) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPatch, "/v1/courses/"+url.PathEscape(courseID), nil, payload, &out)
	return out, err
}

func (c *HTTPClient) CreateModule(ctx context.Context, courseID, idempotencyKey string, payload curriculum.ModulePayload) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/courses/%s/modules", url.PathEscape(courseID)), idempotencyHeaders(idempotencyKey), payload, &out)
	return out, err
}

func (c *HTTPClient) UpdateModule(ctx context.Context, moduleID string, payload curriculum.ModulePayload) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPatch, "/v1/modules/"+url.PathEscape(moduleID), nil, payload, &out)
	return out, err
}

func (c *HTTPClient) DeleteModule(ctx context.Context, moduleID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/modules/"+url.PathEscape(moduleID), nil, nil, nil)
}

func (c *HTTPClient) CreateLesson(ctx context.Context, moduleID, idempotencyKey string, payload curriculum.LessonPayload) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/modules/%s/lessons", url.PathEscape(moduleID)), idempotencyHeaders(idempotencyKey), payload, &out)
	return out, err
}

func (c *HTTPClient) UpdateLesson(ctx context.Context, lessonID string, payload curriculum.LessonPayload) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(lessonID), nil, payload, &out)
	return out, err
}

func (c *HTTPClient) DeleteLesson(ctx context.Context, lessonID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/lessons/"+url.PathEscape(lessonID), nil, nil, nil)
}

func idempotencyHeaders(key string) map[string]string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

// response is the outcome of one round trip.
type response struct {
	status     int
	body       []byte
	retryAfter string
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	corrID := correlationID()
	for attempt := 1; ; attempt++ {
		resp, err := c.roundTrip(ctx, method, requestPath, corrID, headers, payload)
		retryable := (err != nil && ctx.Err() == nil) || (err == nil && retryableStatus(resp.status))
		if !retryable || attempt > c.maxRetries {
			if err != nil {
				return err
			}
			return decodeResponse(resp, out)
		}
		delay := c.backoff(attempt, resp.retryAfter)
		c.log.Warn("persistence request failed, retrying",
			"method", method,
			"path", requestPath,
			"correlation_id", corrID,
			"attempt", attempt,
			"status", resp.status,
			"delay", delay.String(),
			"error", err,
		)
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, requestPath, corrID string, headers map[string]string, payload []byte) (response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", corrID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	return response{status: resp.StatusCode, body: data, retryAfter: resp.Header.Get("Retry-After")}, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func decodeResponse(resp response, out any) error {
	if resp.status >= 200 && resp.status <= 299 {
		if out == nil || len(resp.body) == 0 {
			return nil
		}
		return json.Unmarshal(resp.body, out)
	}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.body, &envelope)
	return &HTTPError{StatusCode: resp.status, Code: envelope.Code, Message: envelope.Message}
}

// decodeRecordList accepts a bare array or an envelope carrying the array
// under "items" or "data".
func decodeRecordList(raw json.RawMessage) ([]Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []Record{}, nil
	}
	if raw[0] == '[' {
		var out []Record
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var envelope Record
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	for _, key := range []string{"items", "data", "results"} {
		if inner, ok := envelope[key]; ok {
			return decodeRecordList(inner)
		}
	}
	return nil, fmt.Errorf("unexpected list payload with keys %v", recordKeys(envelope))
}

func recordKeys(r Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	return keys
}

func correlationID() string {
	return "curriculum_" + uuid.NewString()
}

// backoff doubles from baseDelay per attempt, capped at maxDelay. A
// Retry-After header replaces the computed delay, under the same cap.
func (c *HTTPClient) backoff(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay << (attempt - 1)
	if delay <= 0 || delay > c.maxDelay {
		return c.maxDelay
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
		return max(time.Until(ts), 0)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
