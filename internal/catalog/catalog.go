// Package catalog is the server side of the persistence API: courses, their
// modules and lessons, and uploaded media records.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	MediaPending    = "pending"
	MediaUploaded   = "uploaded"
	MediaProcessing = "processing"
	MediaReady      = "ready"
	MediaFailed     = "failed"
)

type Course struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Level       string    `json:"level,omitempty"`
	Price       float64   `json:"price"`
	Active      bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Module struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"course_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	OrderIndex  int       `json:"order_index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Lesson struct {
	ID              string          `json:"id"`
	ModuleID        string          `json:"module_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	LessonType      string          `json:"lesson_type"`
	OrderIndex      int             `json:"order_index"`
	DurationMinutes *int            `json:"duration_minutes,omitempty"`
	FreePreview     bool            `json:"is_free_preview"`
	VideoAssetID    string          `json:"video_asset_id,omitempty"`
	PosterURL       string          `json:"poster_url,omitempty"`
	ThumbnailURL    string          `json:"thumbnail_url,omitempty"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	ContentMD       string          `json:"content_md,omitempty"`
	ContentJSON     json.RawMessage `json:"content_json,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Media struct {
	ID              string    `json:"media_id"`
	OwnerID         string    `json:"owner_id"`
	Title           string    `json:"title"`
	Origin          string    `json:"origin,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	ObjectKey       string    `json:"object_key"`
	Status          string    `json:"status"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists the catalog. Creates are idempotent on a non-empty key:
// repeating a key returns the resource the first call created.
type Store interface {
	GetCourse(ctx context.Context, id string) (Course, error)
	CreateCourse(ctx context.Context, idempotencyKey string, in curriculum.CoursePayload) (Course, error)
	UpdateCourse(ctx context.Context, id string, in curriculum.CoursePayload) (Course, error)

	ListModules(ctx context.Context, courseID string) ([]Module, error)
	CreateModule(ctx context.Context, courseID, idempotencyKey string, in curriculum.ModulePayload) (Module, error)
	UpdateModule(ctx context.Context, id string, in curriculum.ModulePayload) (Module, error)
	// DeleteModule removes the module and all of its lessons.
	DeleteModule(ctx context.Context, id string) error

	ListLessons(ctx context.Context, moduleID string) ([]Lesson, error)
	CreateLesson(ctx context.Context, moduleID, idempotencyKey string, in curriculum.LessonPayload) (Lesson, error)
	UpdateLesson(ctx context.Context, id string, in curriculum.LessonPayload) (Lesson, error)
	DeleteLesson(ctx context.Context, id string) error

	CreateMedia(ctx context.Context, m Media) (Media, error)
	GetMedia(ctx context.Context, id string) (Media, error)
	// SetMediaStatus records processing progress. A duration is copied onto
	// every lesson that references the media.
	SetMediaStatus(ctx context.Context, id, status string, durationSeconds *int) (Media, error)

	Close() error
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewMediaID() string { return newID("med") }

func courseFromPayload(c *Course, in curriculum.CoursePayload) {
	c.Title = strings.TrimSpace(in.Title)
	c.Description = in.Description
	c.Category = string(in.Category)
	c.Level = string(in.Level)
	c.Price = in.Price
	c.Active = in.Active
}

func moduleFromPayload(m *Module, in curriculum.ModulePayload) {
	m.Title = strings.TrimSpace(in.Title)
	m.Description = in.Description
	m.OrderIndex = in.Position
}

func lessonFromPayload(l *Lesson, in curriculum.LessonPayload) {
	l.Title = strings.TrimSpace(in.Title)
	l.Description = in.Description
	l.LessonType = string(in.Type)
	l.OrderIndex = in.Position
	l.DurationMinutes = cloneInt(in.DurationMinutes)
	l.FreePreview = in.FreePreview
	if l.VideoAssetID != in.VideoAssetID {
		l.DurationSeconds = nil
	}
	l.VideoAssetID = in.VideoAssetID
	l.PosterURL = in.PosterURL
	l.ThumbnailURL = in.ThumbnailURL
	l.ContentMD = in.Markdown
	l.ContentJSON = append(json.RawMessage(nil), in.Content...)
}

func validMediaStatus(status string) bool {
	switch status {
	case MediaPending, MediaUploaded, MediaProcessing, MediaReady, MediaFailed:
		return true
	}
	return false
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
