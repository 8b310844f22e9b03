package contentsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

type EditorOptions struct {
	Logger           *logger.Logger
	Tracer           trace.Tracer
	FetchConcurrency int
}

// Editor is one authoring session. It owns the document and serializes every
// mutation; network calls never hold the lock. Expansion and selection are UI
// state kept beside the document and never persisted.
type Editor struct {
	mu       sync.Mutex
	doc      curriculum.Course
	loaded   bool
	saving   bool
	expanded map[string]bool
	selected string

	ingester *Ingester
	syncer   *Syncer
	deleter  *Deleter
	log      *logger.Logger
}

func NewEditor(client RemoteClient, opts EditorOptions) (*Editor, error) {
	syncer, err := NewSyncer(client, SyncerOptions{Logger: opts.Logger, Tracer: opts.Tracer})
	if err != nil {
		return nil, err
	}
	log := logger.OrNop(opts.Logger)
	return &Editor{
		expanded: map[string]bool{},
		ingester: NewIngester(client, opts.FetchConcurrency, log, opts.Tracer),
		syncer:   syncer,
		deleter:  NewDeleter(client, log, opts.Tracer),
		log:      log,
	}, nil
}

// Load replaces the session document with the remote course. On failure the
// session is left empty.
func (e *Editor) Load(ctx context.Context, courseID string) error {
	e.reset()
	course, err := e.ingester.Load(ctx, courseID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = course
	e.loaded = true
	return nil
}

// NewCourse starts an empty shell that is created remotely on first save.
func (e *Editor) NewCourse(title string) curriculum.Course {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = curriculum.NewCourse(strings.TrimSpace(title))
	e.loaded = true
	e.expanded = map[string]bool{}
	e.selected = ""
	return e.doc.Clone()
}

// Restore installs a previously saved draft, identity states included.
func (e *Editor) Restore(doc curriculum.Course) error {
	if err := curriculum.CheckInvariants(doc); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc.Clone()
	e.loaded = true
	e.expanded = map[string]bool{}
	e.selected = ""
	return nil
}

func (e *Editor) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = curriculum.Course{}
	e.loaded = false
	e.expanded = map[string]bool{}
	e.selected = ""
}

func (e *Editor) Snapshot() (curriculum.Course, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return curriculum.Course{}, false
	}
	return e.doc.Clone(), true
}

func (e *Editor) Dispatch(action curriculum.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrNoDocument
	}
	next, err := curriculum.Reduce(e.doc, action)
	if err != nil {
		return err
	}
	e.doc = next
	switch a := action.(type) {
	case curriculum.Confirm:
		e.remapUIKey(a.PendingID, a.ServerID)
	case curriculum.RemoveModule:
		delete(e.expanded, a.ModuleID)
	case curriculum.RemoveLesson:
		if e.selected == a.LessonID {
			e.selected = ""
		}
	}
	return nil
}

func (e *Editor) remapUIKey(from, to string) {
	if open, ok := e.expanded[from]; ok {
		delete(e.expanded, from)
		e.expanded[to] = open
	}
	if e.selected == from {
		e.selected = to
	}
}

// AddModule appends a Pending module, expanded, and returns its local tag.
func (e *Editor) AddModule(title, description string) (string, error) {
	ident := curriculum.NewPendingIdentity()
	if err := e.Dispatch(curriculum.AddModule{Identity: ident, Title: title, Description: description}); err != nil {
		return "", err
	}
	e.mu.Lock()
	e.expanded[ident.ID] = true
	e.mu.Unlock()
	return ident.ID, nil
}

func (e *Editor) AddLesson(moduleID, title string, lessonType curriculum.LessonType) (string, error) {
	ident := curriculum.NewPendingIdentity()
	if err := e.Dispatch(curriculum.AddLesson{ModuleID: moduleID, Identity: ident, Title: title, Type: lessonType}); err != nil {
		return "", err
	}
	return ident.ID, nil
}

func (e *Editor) UpdateCourse(patch curriculum.CoursePatch) error {
	return e.Dispatch(curriculum.UpdateCourse{Patch: patch})
}

func (e *Editor) UpdateModule(moduleID string, patch curriculum.ModulePatch) error {
	return e.Dispatch(curriculum.UpdateModule{ModuleID: moduleID, Patch: patch})
}

func (e *Editor) UpdateLesson(lessonID string, patch curriculum.LessonPatch) error {
	return e.Dispatch(curriculum.UpdateLesson{LessonID: lessonID, Patch: patch})
}

// AttachMedia points a lesson at an uploaded media asset. The measured
// duration arrives later through ApplyMediaProcessed.
func (e *Editor) AttachMedia(lessonID, mediaID string) error {
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return fmt.Errorf("%w: empty media id", curriculum.ErrInvalidAction)
	}
	return e.UpdateLesson(lessonID, curriculum.LessonPatch{VideoAssetID: &mediaID})
}

func (e *Editor) ApplyMediaProcessed(mediaID string, durationSeconds int) error {
	return e.Dispatch(curriculum.ApplyMediaProcessed{MediaID: mediaID, DurationSeconds: durationSeconds})
}

func (e *Editor) DeleteModule(ctx context.Context, moduleID string) error {
	return e.deleter.DeleteModule(ctx, e, moduleID)
}

func (e *Editor) DeleteLesson(ctx context.Context, moduleID, lessonID string) error {
	return e.deleter.DeleteLesson(ctx, e, moduleID, lessonID)
}

// Save persists the document. Only one save runs at a time per session; a
// second concurrent call returns ErrSaveInProgress.
func (e *Editor) Save(ctx context.Context) (SaveResult, error) {
	e.mu.Lock()
	if e.saving {
		e.mu.Unlock()
		return SaveResult{}, ErrSaveInProgress
	}
	e.saving = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.saving = false
		e.mu.Unlock()
	}()
	return e.syncer.Save(ctx, e)
}

func (e *Editor) ToggleExpanded(moduleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expanded[moduleID] = !e.expanded[moduleID]
	return e.expanded[moduleID]
}

func (e *Editor) Expanded(moduleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expanded[moduleID]
}

func (e *Editor) Select(lessonID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = lessonID
}

func (e *Editor) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}
