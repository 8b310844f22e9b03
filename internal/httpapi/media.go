package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/liminal-technologies/readylab-curriculum/internal/catalog"
	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
)

// sniffBytes is how much of an upload is buffered for content detection.
const sniffBytes = 3072

type processedRequest struct {
	Status          string `json:"status"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
}

func (s *Server) handleUploadTicket(c *gin.Context) {
	if s.tickets == nil {
		writeError(c, http.StatusNotImplemented, "not_implemented", "media uploads are not configured")
		return
	}
	var req mediaupload.TicketRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.OwnerID) == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "title and owner_id are required")
		return
	}
	if req.SizeBytes > s.cfg.Policy.MaxBytes {
		writeError(c, http.StatusRequestEntityTooLarge, "file_too_large", fmt.Sprintf("size %d exceeds %d bytes", req.SizeBytes, s.cfg.Policy.MaxBytes))
		return
	}
	if req.ContentType != "" && !s.cfg.Policy.AllowsType(req.ContentType) {
		writeError(c, http.StatusUnsupportedMediaType, "unsupported_media_type", "content type not allowed: "+req.ContentType)
		return
	}

	mediaID := catalog.NewMediaID()
	media, err := s.store.CreateMedia(c.Request.Context(), catalog.Media{
		ID:          mediaID,
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Origin:      req.Origin,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		ObjectKey:   objectKey(mediaID),
		Status:      catalog.MediaPending,
	})
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	ticket, err := s.tickets.Issue(c.Request.Context(), media)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.log.Info("upload ticket issued", "media_id", media.ID, "owner_id", media.OwnerID, "size_bytes", media.SizeBytes)
	c.JSON(http.StatusCreated, ticket)
}

// handleLocalUpload receives the PUT for a ticket minted by LocalIssuer. The
// signed query string is the credential.
func (s *Server) handleLocalUpload(c *gin.Context) {
	if s.local == nil {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
		return
	}
	mediaID := c.Param("id")
	if err := s.local.Verify(mediaID, c.Query("expires"), c.Query("signature")); err != nil {
		writeError(c, http.StatusForbidden, "forbidden", err.Error())
		return
	}
	media, err := s.store.GetMedia(c.Request.Context(), mediaID)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	size := c.Request.ContentLength
	if size <= 0 {
		writeError(c, http.StatusLengthRequired, "length_required", "Content-Length is required")
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Policy.MaxBytes)
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "bad_request", "read upload: "+err.Error())
		return
	}
	head = head[:n]
	contentType, err := s.cfg.Policy.Check(size, bytes.NewReader(head))
	if err != nil {
		status := http.StatusUnsupportedMediaType
		code := "unsupported_media_type"
		if errors.Is(err, mediaupload.ErrFileTooLarge) {
			status, code = http.StatusRequestEntityTooLarge, "file_too_large"
		}
		writeError(c, status, code, err.Error())
		return
	}

	written, err := writeUpload(s.local.Path(media.ObjectKey), io.MultiReader(bytes.NewReader(head), body))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds size ceiling")
			return
		}
		s.log.Error("store upload failed", "media_id", mediaID, "error", err)
		writeError(c, http.StatusInternalServerError, "internal_error", "could not store upload")
		return
	}
	updated, err := s.store.SetMediaStatus(c.Request.Context(), mediaID, catalog.MediaUploaded, nil)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.log.Info("upload stored", "media_id", mediaID, "bytes", written, "content_type", contentType)
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleGetMedia(c *gin.Context) {
	media, err := s.store.GetMedia(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, media)
}

// handleMediaProcessed is called by the processing pipeline. Every status
// change is broadcast to media event watchers.
func (s *Server) handleMediaProcessed(c *gin.Context) {
	var req processedRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	switch req.Status {
	case catalog.MediaProcessing, catalog.MediaReady, catalog.MediaFailed:
	default:
		writeError(c, http.StatusBadRequest, "bad_request", "status must be processing, ready or failed")
		return
	}
	if req.DurationSeconds != nil && *req.DurationSeconds < 0 {
		writeError(c, http.StatusBadRequest, "bad_request", "duration_seconds must be >= 0")
		return
	}
	media, err := s.store.SetMediaStatus(c.Request.Context(), c.Param("id"), req.Status, req.DurationSeconds)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	ev := mediaupload.ProcessingEvent{MediaID: media.ID, Status: media.Status}
	if media.DurationSeconds != nil {
		ev.DurationSeconds = *media.DurationSeconds
	}
	delivered := s.events.publish(ev)
	s.log.Info("media processed", "media_id", media.ID, "status", media.Status, "watchers", delivered)
	c.JSON(http.StatusOK, media)
}

func writeUpload(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}
