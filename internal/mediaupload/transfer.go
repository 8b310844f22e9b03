package mediaupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

var ErrTransferCancelled = errors.New("transfer cancelled")

// TransferError is a failed byte transfer. The lesson's media reference is
// left unset.
type TransferError struct {
	MediaID    string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer %s: http %d", e.MediaID, e.StatusCode)
	}
	return fmt.Sprintf("transfer %s: %v", e.MediaID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

type Progress struct {
	Sent  int64
	Total int64
}

type ProgressFunc func(Progress)

// Transfer is one in-flight PUT of media bytes. It runs independently of any
// save and is cancelled only through its own handle.
type Transfer struct {
	mediaID string
	total   int64
	sent    atomic.Int64

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
	err       error
}

func (t *Transfer) MediaID() string { return t.mediaID }

func (t *Transfer) Progress() Progress {
	return Progress{Sent: t.sent.Load(), Total: t.total}
}

// Cancel aborts the transfer. Wait then returns ErrTransferCancelled.
func (t *Transfer) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

func (t *Transfer) Done() <-chan struct{} { return t.done }

func (t *Transfer) Wait() error {
	<-t.done
	return t.err
}

func (t *Transfer) finish(err error) {
	t.once.Do(func() {
		if err != nil && t.cancelled.Load() {
			err = ErrTransferCancelled
		}
		t.err = err
		t.cancel()
		close(t.done)
	})
}

type progressReader struct {
	r        io.Reader
	t        *Transfer
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		sent := p.t.sent.Add(int64(n))
		if p.progress != nil {
			p.progress(Progress{Sent: sent, Total: p.t.total})
		}
	}
	return n, err
}

// startTransfer PUTs size bytes from body to the ticket's upload URL in the
// background. body is closed when the transfer ends.
func startTransfer(ctx context.Context, httpClient *http.Client, ticket Ticket, body io.ReadCloser, size int64, contentType string, progress ProgressFunc) *Transfer {
	ctx, cancel := context.WithCancel(ctx)
	t := &Transfer{
		mediaID: ticket.MediaID,
		total:   size,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer body.Close()
		t.finish(t.put(ctx, httpClient, ticket, body, contentType, progress))
	}()
	return t
}

func (t *Transfer) put(ctx context.Context, httpClient *http.Client, ticket Ticket, body io.Reader, contentType string, progress ProgressFunc) error {
	reader := &progressReader{r: body, t: t, progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.UploadURL, reader)
	if err != nil {
		return &TransferError{MediaID: t.mediaID, Err: err}
	}
	req.ContentLength = t.total
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range ticket.Headers {
		req.Header.Set(key, value)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &TransferError{MediaID: t.mediaID, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransferError{MediaID: t.mediaID, StatusCode: resp.StatusCode}
	}
	return nil
}
