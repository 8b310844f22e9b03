package contentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

// Field aliases accepted from the persistence API, canonical name first.
var (
	fieldID              = []string{"id"}
	fieldTitle           = []string{"title", "name"}
	fieldDescription     = []string{"description"}
	fieldCategory        = []string{"category"}
	fieldLevel           = []string{"level", "difficulty"}
	fieldPrice           = []string{"price"}
	fieldActive          = []string{"is_active", "isActive", "active"}
	fieldPosition        = []string{"order_index", "orderIndex", "position"}
	fieldLessonType      = []string{"lesson_type", "lessonType", "type"}
	fieldDurationMinutes = []string{"duration_minutes", "durationMinutes"}
	fieldFreePreview     = []string{"is_free_preview", "isFreePreview", "free_preview"}
	fieldVideoAsset      = []string{"video_asset_id", "videoAssetId", "media_id", "mediaId"}
	fieldPosterURL       = []string{"poster_url", "posterUrl"}
	fieldThumbnailURL    = []string{"thumbnail_url", "thumbnailUrl"}
	fieldDurationSeconds = []string{"duration_seconds", "durationSeconds"}
	fieldMarkdown        = []string{"content_md", "contentMd", "markdown"}
	fieldContent         = []string{"content_json", "contentJson", "content"}
)

func (r Record) lookup(keys []string) (json.RawMessage, bool) {
	for _, key := range keys {
		raw, ok := r[key]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		return raw, true
	}
	return nil, false
}

// ID returns the server-issued identifier, accepting numeric ids.
func (r Record) ID() string {
	return r.str(fieldID)
}

func (r Record) str(keys []string) string {
	raw, ok := r.lookup(keys)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (r Record) number(keys []string) (float64, bool) {
	raw, ok := r.lookup(keys)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func (r Record) integer(keys []string) (int, bool) {
	f, ok := r.number(keys)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (r Record) boolean(keys []string) bool {
	raw, ok := r.lookup(keys)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, _ := strconv.ParseBool(strings.TrimSpace(s))
		return parsed
	}
	return false
}

// document returns a structured JSON value. Some stores hand the structured
// content back as a string holding JSON; that is unwrapped.
func (r Record) document(keys []string) json.RawMessage {
	raw, ok := r.lookup(keys)
	if !ok {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || !json.Valid([]byte(s)) {
			return nil
		}
		raw = json.RawMessage(s)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}

func optionalInt(r Record, keys []string) *int {
	n, ok := r.integer(keys)
	if !ok {
		return nil
	}
	return &n
}

// Ingester assembles a nested document from the persistence API: one request
// for the course, one for its modules and one per module for its lessons.
type Ingester struct {
	client      RemoteClient
	concurrency int
	log         *logger.Logger
	tracer      trace.Tracer
}

func NewIngester(client RemoteClient, concurrency int, log *logger.Logger, tracer trace.Tracer) *Ingester {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Ingester{client: client, concurrency: concurrency, log: logger.OrNop(log), tracer: tracerOrDefault(tracer)}
}

// Load fetches the whole course. Any failure returns a *FetchError and no
// partial document.
func (in *Ingester) Load(ctx context.Context, courseID string) (curriculum.Course, error) {
	courseID = strings.TrimSpace(courseID)
	ctx, span := in.tracer.Start(ctx, "contentsync.Load", trace.WithAttributes(attribute.String("course.id", courseID)))
	defer span.End()

	course, err := in.load(ctx, courseID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.log.Warn("course load failed", "course_id", courseID, "error", err)
		return curriculum.Course{}, &FetchError{CourseID: courseID, Err: err}
	}
	in.log.Info("course loaded", "course_id", course.Identity.ID, "modules", len(course.Modules))
	return course, nil
}

func (in *Ingester) load(ctx context.Context, courseID string) (curriculum.Course, error) {
	if courseID == "" {
		return curriculum.Course{}, fmt.Errorf("%w: empty course id", curriculum.ErrNotFound)
	}
	courseRec, err := in.client.GetCourse(ctx, courseID)
	if err != nil {
		return curriculum.Course{}, err
	}
	course, err := ingestCourse(courseRec, courseID)
	if err != nil {
		return curriculum.Course{}, err
	}
	moduleRecs, err := in.client.ListModules(ctx, course.Identity.ID)
	if err != nil {
		return curriculum.Course{}, fmt.Errorf("list modules: %w", err)
	}

	modules := make([]curriculum.Module, len(moduleRecs))
	for i, rec := range moduleRecs {
		m, err := ingestModule(rec)
		if err != nil {
			return curriculum.Course{}, err
		}
		modules[i] = m
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i := range modules {
		i := i
		g.Go(func() error {
			lessonRecs, err := in.client.ListLessons(gctx, modules[i].Identity.ID)
			if err != nil {
				return fmt.Errorf("list lessons for module %s: %w", modules[i].Identity.ID, err)
			}
			lessons := make([]curriculum.Lesson, 0, len(lessonRecs))
			for _, rec := range lessonRecs {
				l, err := ingestLesson(rec)
				if err != nil {
					return fmt.Errorf("module %s: %w", modules[i].Identity.ID, err)
				}
				lessons = append(lessons, l)
			}
			sort.SliceStable(lessons, func(a, b int) bool { return lessons[a].Position < lessons[b].Position })
			for j := range lessons {
				lessons[j].Position = j
			}
			modules[i].Lessons = lessons
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return curriculum.Course{}, err
	}

	sort.SliceStable(modules, func(a, b int) bool { return modules[a].Position < modules[b].Position })
	for i := range modules {
		modules[i].Position = i
	}
	course.Modules = modules
	if err := curriculum.CheckInvariants(course); err != nil {
		return curriculum.Course{}, err
	}
	return course, nil
}

// The synced hash of every ingested entity is taken over the payload as the
// store reported it, so a position the client had to close a gap over is
// dirty and rewritten on the next save.

func ingestCourse(r Record, requestedID string) (curriculum.Course, error) {
	id := r.ID()
	if id == "" {
		id = requestedID
	}
	if id == "" {
		return curriculum.Course{}, fmt.Errorf("%w: course record has no id", curriculum.ErrInvalidDocument)
	}
	price, _ := r.number(fieldPrice)
	c := curriculum.Course{
		Identity:    curriculum.Confirmed(id),
		Title:       r.str(fieldTitle),
		Description: r.str(fieldDescription),
		Category:    curriculum.Category(strings.ToLower(r.str(fieldCategory))),
		Level:       curriculum.Level(strings.ToLower(r.str(fieldLevel))),
		Price:       price,
		Active:      r.boolean(fieldActive),
		Modules:     []curriculum.Module{},
	}
	c.SyncedHash = curriculum.PayloadHash(c.Payload())
	return c, nil
}

func ingestModule(r Record) (curriculum.Module, error) {
	id := r.ID()
	if id == "" {
		return curriculum.Module{}, fmt.Errorf("%w: module record has no id", curriculum.ErrInvalidDocument)
	}
	position, _ := r.integer(fieldPosition)
	m := curriculum.Module{
		Identity:    curriculum.Confirmed(id),
		Title:       r.str(fieldTitle),
		Description: r.str(fieldDescription),
		Position:    position,
		Lessons:     []curriculum.Lesson{},
	}
	m.SyncedHash = curriculum.PayloadHash(m.Payload())
	return m, nil
}

func ingestLesson(r Record) (curriculum.Lesson, error) {
	id := r.ID()
	if id == "" {
		return curriculum.Lesson{}, fmt.Errorf("%w: lesson record has no id", curriculum.ErrInvalidDocument)
	}
	lessonType := curriculum.LessonType(strings.ToLower(r.str(fieldLessonType)))
	if lessonType == "" {
		lessonType = curriculum.LessonVideo
	}
	position, _ := r.integer(fieldPosition)
	l := curriculum.Lesson{
		Identity:                curriculum.Confirmed(id),
		Title:                   r.str(fieldTitle),
		Description:             r.str(fieldDescription),
		Type:                    lessonType,
		Position:                position,
		DurationMinutes:         optionalInt(r, fieldDurationMinutes),
		FreePreview:             r.boolean(fieldFreePreview),
		VideoAssetID:            r.str(fieldVideoAsset),
		PosterURL:               r.str(fieldPosterURL),
		ThumbnailURL:            r.str(fieldThumbnailURL),
		MeasuredDurationSeconds: optionalInt(r, fieldDurationSeconds),
		Markdown:                r.str(fieldMarkdown),
		Content:                 r.document(fieldContent),
	}
	l.SyncedHash = curriculum.PayloadHash(l.Payload())
	return l, nil
}
