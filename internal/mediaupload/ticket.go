package mediaupload

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// TicketRequest asks the video hosting API for a direct upload target.
type TicketRequest struct {
	Title       string `json:"title"`
	OwnerID     string `json:"owner_id"`
	Origin      string `json:"origin"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

type Ticket struct {
	MediaID   string            `json:"media_id"`
	UploadURL string            `json:"upload_url"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type TicketRequester interface {
	RequestTicket(ctx context.Context, req TicketRequest) (Ticket, error)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TicketError is a rejected ticket request.
type TicketError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *TicketError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upload ticket: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upload ticket: http %d: %s", e.StatusCode, e.Message)
}

type TicketClient struct {
	client *resty.Client
}

func NewTicketClient(baseURL, token string, httpClient *http.Client) *TicketClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New().SetTimeout(15 * time.Second)
	}
	rc.SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	if token = strings.TrimSpace(token); token != "" {
		rc.SetAuthToken(token)
	}
	return &TicketClient{client: rc}
}

func (c *TicketClient) RequestTicket(ctx context.Context, req TicketRequest) (Ticket, error) {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.OwnerID) == "" {
		return Ticket{}, fmt.Errorf("upload ticket: title and owner are required")
	}
	var out Ticket
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/media/upload-tickets")
	if err != nil {
		return Ticket{}, fmt.Errorf("upload ticket: %w", err)
	}
	if resp.IsError() {
		return Ticket{}, &TicketError{StatusCode: resp.StatusCode(), Code: apiErr.Code, Message: apiErr.Message}
	}
	if out.MediaID == "" || out.UploadURL == "" {
		return Ticket{}, fmt.Errorf("upload ticket: response missing media id or upload url")
	}
	return out, nil
}
