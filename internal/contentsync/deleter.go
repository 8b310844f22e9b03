package contentsync

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

// Deleter removes modules and lessons. A Pending entity was never persisted
// and is dropped locally. A Confirmed entity is deleted remotely first and
// only leaves the tree once the store acknowledged it. Callers obtain the
// author's confirmation before invoking it.
type Deleter struct {
	client RemoteClient
	log    *logger.Logger
	tracer trace.Tracer
}

func NewDeleter(client RemoteClient, log *logger.Logger, tracer trace.Tracer) *Deleter {
	return &Deleter{client: client, log: logger.OrNop(log), tracer: tracerOrDefault(tracer)}
}

// DeleteModule issues at most one remote call; the store cascades the delete
// to the module's lessons.
func (d *Deleter) DeleteModule(ctx context.Context, tree Tree, moduleID string) error {
	doc, ok := tree.Snapshot()
	if !ok {
		return ErrNoDocument
	}
	m, found := doc.FindModule(moduleID)
	if !found {
		return fmt.Errorf("%w: module %s", curriculum.ErrNotFound, moduleID)
	}
	if m.Identity.IsConfirmed() {
		err := d.remoteDelete(ctx, curriculum.KindModule, m.Identity.ID, func(ctx context.Context) error {
			return d.client.DeleteModule(ctx, m.Identity.ID)
		})
		if err != nil {
			return err
		}
	}
	return d.removeLocal(tree, curriculum.RemoveModule{ModuleID: moduleID})
}

func (d *Deleter) DeleteLesson(ctx context.Context, tree Tree, moduleID, lessonID string) error {
	doc, ok := tree.Snapshot()
	if !ok {
		return ErrNoDocument
	}
	l, parentID, found := doc.FindLesson(lessonID)
	if !found || parentID != moduleID {
		return fmt.Errorf("%w: lesson %s in module %s", curriculum.ErrNotFound, lessonID, moduleID)
	}
	if l.Identity.IsConfirmed() {
		err := d.remoteDelete(ctx, curriculum.KindLesson, l.Identity.ID, func(ctx context.Context) error {
			return d.client.DeleteLesson(ctx, l.Identity.ID)
		})
		if err != nil {
			return err
		}
	}
	return d.removeLocal(tree, curriculum.RemoveLesson{ModuleID: moduleID, LessonID: lessonID})
}

func (d *Deleter) remoteDelete(ctx context.Context, kind curriculum.EntityKind, id string, call func(context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, "contentsync.delete", trace.WithAttributes(
		attribute.String("entity", string(kind)),
		attribute.String("key", id),
	))
	defer span.End()

	err := call(ctx)
	if errors.Is(err, curriculum.ErrNotFound) {
		d.log.Info("entity already absent remotely", "entity", kind, "key", id)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warn("remote delete failed", "entity", kind, "key", id, "error", err)
		return &RemoteWriteError{Op: OpDelete, Kind: kind, Key: id, Err: err}
	}
	d.log.Debug("remote delete", "entity", kind, "key", id)
	return nil
}

// removeLocal tolerates the entity having been removed by a concurrent
// delete while the remote call was in flight.
func (d *Deleter) removeLocal(tree Tree, action curriculum.Action) error {
	err := tree.Dispatch(action)
	if errors.Is(err, curriculum.ErrNotFound) {
		return nil
	}
	return err
}
