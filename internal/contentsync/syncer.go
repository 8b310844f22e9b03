package contentsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

const tracerName = "github.com/liminal-technologies/readylab-curriculum/internal/contentsync"

func tracerOrDefault(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(tracerName)
}

// Tree is the owned document a save or delete operates on. Snapshot returns
// a copy; Dispatch applies one action atomically.
type Tree interface {
	Snapshot() (curriculum.Course, bool)
	Dispatch(action curriculum.Action) error
}

type SyncerOptions struct {
	Logger *logger.Logger
	Tracer trace.Tracer
}

// Syncer persists a document in dependency order: the course header, then
// each module followed by that module's lessons. Writes are strictly
// sequential.
type Syncer struct {
	client RemoteClient
	log    *logger.Logger
	tracer trace.Tracer
}

// SaveResult counts the remote writes a save issued. Applied holds the
// Confirm and MarkSynced actions the save dispatched, in order, so a copy of
// the document edited elsewhere can catch up without a second save.
type SaveResult struct {
	Created   int
	Updated   int
	Unchanged int
	Applied   []curriculum.Action
}

func (r SaveResult) Writes() int { return r.Created + r.Updated }

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	return &Syncer{
		client: client,
		log:    logger.OrNop(opts.Logger),
		tracer: tracerOrDefault(opts.Tracer),
	}, nil
}

// Save writes every entity whose payload differs from its last confirmed
// state. Each create is confirmed into the tree before the next step runs.
// The walk stops at the first failure; steps that already succeeded stay
// confirmed.
func (s *Syncer) Save(ctx context.Context, tree Tree) (SaveResult, error) {
	var result SaveResult
	doc, ok := tree.Snapshot()
	if !ok {
		return result, ErrNoDocument
	}
	if err := curriculum.Validate(doc); err != nil {
		return result, err
	}

	ctx, span := s.tracer.Start(ctx, "contentsync.Save", trace.WithAttributes(
		attribute.String("course.id", doc.Identity.ID),
		attribute.Int("course.modules", len(doc.Modules)),
	))
	defer span.End()

	err := s.save(ctx, tree, &result)
	span.SetAttributes(
		attribute.Int("save.created", result.Created),
		attribute.Int("save.updated", result.Updated),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	s.log.Info("save complete", "created", result.Created, "updated", result.Updated, "unchanged", result.Unchanged)
	return result, nil
}

func (s *Syncer) save(ctx context.Context, tree Tree, result *SaveResult) error {
	courseID, err := s.saveCourse(ctx, tree, result)
	if err != nil {
		return err
	}

	doc, _ := tree.Snapshot()
	moduleIDs := make([]string, 0, len(doc.Modules))
	for _, m := range doc.Modules {
		moduleIDs = append(moduleIDs, m.Identity.ID)
	}
	for _, moduleID := range moduleIDs {
		confirmedID, ok, err := s.saveModule(ctx, tree, courseID, moduleID, result)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.saveLessons(ctx, tree, confirmedID, result); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) saveCourse(ctx context.Context, tree Tree, result *SaveResult) (string, error) {
	doc, ok := tree.Snapshot()
	if !ok {
		return "", ErrNoDocument
	}
	payload := doc.Payload()
	hash := curriculum.PayloadHash(payload)
	ident := doc.Identity

	switch {
	case ident.IsPending():
		var rec Record
		err := s.step(ctx, OpCreate, curriculum.KindCourse, ident.ID, func(ctx context.Context) (err error) {
			rec, err = s.client.CreateCourse(ctx, ident.ID, payload)
			return err
		})
		if err != nil {
			return "", err
		}
		serverID, err := s.confirm(tree, result, curriculum.KindCourse, ident.ID, rec, hash)
		if err != nil {
			return "", err
		}
		result.Created++
		return serverID, nil
	case curriculum.Dirty(ident, doc.SyncedHash, hash):
		err := s.step(ctx, OpUpdate, curriculum.KindCourse, ident.ID, func(ctx context.Context) error {
			_, err := s.client.UpdateCourse(ctx, ident.ID, payload)
			return err
		})
		if err != nil {
			return "", err
		}
		s.markSynced(tree, result, curriculum.KindCourse, ident.ID, hash)
		result.Updated++
	default:
		result.Unchanged++
	}
	return ident.ID, nil
}

// saveModule returns the module's confirmed id, or ok=false when the module
// left the tree before or during its step.
func (s *Syncer) saveModule(ctx context.Context, tree Tree, courseID, moduleID string, result *SaveResult) (string, bool, error) {
	doc, _ := tree.Snapshot()
	m, found := doc.FindModule(moduleID)
	if !found {
		return "", false, nil
	}
	payload := m.Payload()
	hash := curriculum.PayloadHash(payload)
	ident := m.Identity

	switch {
	case ident.IsPending():
		var rec Record
		err := s.step(ctx, OpCreate, curriculum.KindModule, ident.ID, func(ctx context.Context) (err error) {
			rec, err = s.client.CreateModule(ctx, courseID, ident.ID, payload)
			return err
		})
		if err != nil {
			return "", false, err
		}
		result.Created++
		serverID, err := s.confirm(tree, result, curriculum.KindModule, ident.ID, rec, hash)
		if errors.Is(err, curriculum.ErrNotFound) {
			s.log.Warn("module removed during save, discarding create result", "key", ident.ID, "server_id", rec.ID())
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return serverID, true, nil
	case curriculum.Dirty(ident, m.SyncedHash, hash):
		err := s.step(ctx, OpUpdate, curriculum.KindModule, ident.ID, func(ctx context.Context) error {
			_, err := s.client.UpdateModule(ctx, ident.ID, payload)
			return err
		})
		if err != nil {
			return "", false, err
		}
		s.markSynced(tree, result, curriculum.KindModule, ident.ID, hash)
		result.Updated++
	default:
		result.Unchanged++
	}
	return ident.ID, true, nil
}

func (s *Syncer) saveLessons(ctx context.Context, tree Tree, moduleID string, result *SaveResult) error {
	doc, _ := tree.Snapshot()
	m, found := doc.FindModule(moduleID)
	if !found {
		return nil
	}
	lessonIDs := make([]string, 0, len(m.Lessons))
	for _, l := range m.Lessons {
		lessonIDs = append(lessonIDs, l.Identity.ID)
	}

	for _, lessonID := range lessonIDs {
		doc, _ := tree.Snapshot()
		l, parentID, found := doc.FindLesson(lessonID)
		if !found || parentID != moduleID {
			continue
		}
		payload := l.Payload()
		hash := curriculum.PayloadHash(payload)
		ident := l.Identity

		switch {
		case ident.IsPending():
			var rec Record
			err := s.step(ctx, OpCreate, curriculum.KindLesson, ident.ID, func(ctx context.Context) (err error) {
				rec, err = s.client.CreateLesson(ctx, moduleID, ident.ID, payload)
				return err
			})
			if err != nil {
				return err
			}
			result.Created++
			if _, err := s.confirm(tree, result, curriculum.KindLesson, ident.ID, rec, hash); err != nil {
				if !errors.Is(err, curriculum.ErrNotFound) {
					return err
				}
				s.log.Warn("lesson removed during save, discarding create result", "key", ident.ID, "server_id", rec.ID())
			}
		case curriculum.Dirty(ident, l.SyncedHash, hash):
			err := s.step(ctx, OpUpdate, curriculum.KindLesson, ident.ID, func(ctx context.Context) error {
				_, err := s.client.UpdateLesson(ctx, ident.ID, payload)
				return err
			})
			if err != nil {
				return err
			}
			s.markSynced(tree, result, curriculum.KindLesson, ident.ID, hash)
			result.Updated++
		default:
			result.Unchanged++
		}
	}
	return nil
}

// step runs one remote write inside its own span and converts a failure into
// a *RemoteWriteError naming the entity.
func (s *Syncer) step(ctx context.Context, op Op, kind curriculum.EntityKind, key string, write func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "contentsync."+string(op), trace.WithAttributes(
		attribute.String("entity", string(kind)),
		attribute.String("key", key),
	))
	defer span.End()

	s.log.Debug("remote write", "op", op, "entity", kind, "key", key)
	if err := write(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("remote write failed", "op", op, "entity", kind, "key", key, "error", err)
		return &RemoteWriteError{Op: op, Kind: kind, Key: key, Err: err}
	}
	return nil
}

func (s *Syncer) confirm(tree Tree, result *SaveResult, kind curriculum.EntityKind, pendingID string, rec Record, hash string) (string, error) {
	serverID := strings.TrimSpace(rec.ID())
	if serverID == "" {
		return "", &RemoteWriteError{
			Op:   OpCreate,
			Kind: kind,
			Key:  pendingID,
			Err:  fmt.Errorf("create response carried no id"),
		}
	}
	action := curriculum.Confirm{Kind: kind, PendingID: pendingID, ServerID: serverID, SyncedHash: hash}
	if err := tree.Dispatch(action); err != nil {
		return "", err
	}
	result.Applied = append(result.Applied, action)
	s.log.Debug("identity confirmed", "entity", kind, "key", pendingID, "server_id", serverID)
	return serverID, nil
}

func (s *Syncer) markSynced(tree Tree, result *SaveResult, kind curriculum.EntityKind, id, hash string) {
	action := curriculum.MarkSynced{Kind: kind, ID: id, SyncedHash: hash}
	if err := tree.Dispatch(action); err != nil {
		s.log.Debug("mark synced skipped", "entity", kind, "key", id, "error", err)
		return
	}
	result.Applied = append(result.Applied, action)
}
