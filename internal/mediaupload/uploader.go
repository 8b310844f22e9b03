package mediaupload

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

// MediaAttacher receives the media id once bytes have landed.
type MediaAttacher interface {
	AttachMedia(lessonID, mediaID string) error
}

type UploaderOptions struct {
	Policy     Policy
	HTTPClient *http.Client
	Logger     *logger.Logger
	Tracer     trace.Tracer
}

// Uploader runs the two-phase contract: check the file, request a ticket,
// then PUT the bytes directly to the ticket's URL.
type Uploader struct {
	tickets    TicketRequester
	policy     Policy
	httpClient *http.Client
	log        *logger.Logger
	tracer     trace.Tracer
}

func NewUploader(tickets TicketRequester, opts UploaderOptions) (*Uploader, error) {
	if tickets == nil {
		return nil, fmt.Errorf("ticket requester is required")
	}
	policy := opts.Policy
	if policy.MaxBytes <= 0 && len(policy.Allowed) == 0 {
		policy = DefaultPolicy()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/liminal-technologies/readylab-curriculum/internal/mediaupload")
	}
	return &Uploader{
		tickets:    tickets,
		policy:     policy,
		httpClient: httpClient,
		log:        logger.OrNop(opts.Logger),
		tracer:     tracer,
	}, nil
}

// Start checks path against the policy, obtains a ticket and begins the
// transfer. Nothing is requested from the hosting API when the check fails.
func (u *Uploader) Start(ctx context.Context, path string, req TicketRequest, progress ProgressFunc) (*Transfer, error) {
	info, err := u.policy.CheckFile(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = info.Name
	}
	req.ContentType = info.ContentType
	req.SizeBytes = info.Size

	ctx, span := u.tracer.Start(ctx, "mediaupload.ticket", trace.WithAttributes(
		attribute.String("media.content_type", info.ContentType),
		attribute.Int64("media.size", info.Size),
	))
	ticket, err := u.tickets.RequestTicket(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("media.id", ticket.MediaID))
	span.End()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	u.log.Info("media transfer started", "media_id", ticket.MediaID, "size", info.Size, "content_type", info.ContentType)
	// Cancellation goes through the Transfer handle only.
	return startTransfer(context.WithoutCancel(ctx), u.httpClient, ticket, f, info.Size, info.ContentType, progress), nil
}

// Attach waits for t and sets the lesson's media reference only when the
// bytes landed. A failed or cancelled transfer leaves the lesson untouched.
func (u *Uploader) Attach(t *Transfer, target MediaAttacher, lessonID string) error {
	if err := t.Wait(); err != nil {
		u.log.Warn("media transfer did not complete", "media_id", t.MediaID(), "lesson_id", lessonID, "error", err)
		return err
	}
	u.log.Info("media transfer complete", "media_id", t.MediaID(), "lesson_id", lessonID)
	return target.AttachMedia(lessonID, t.MediaID())
}
