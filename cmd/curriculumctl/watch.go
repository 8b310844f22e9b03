package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/draftstore"
	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
)

const watchDebounce = 400 * time.Millisecond

// draftApplier stores measured durations and commits the draft. A draft
// edited meanwhile keeps its edits and is pushed.
type draftApplier struct {
	a   *app
	ctx context.Context
}

func (d draftApplier) ApplyMediaProcessed(mediaID string, durationSeconds int) error {
	d.a.syncMu.Lock()
	action := curriculum.ApplyMediaProcessed{MediaID: mediaID, DurationSeconds: durationSeconds}
	if err := d.a.editor.Dispatch(action); err != nil {
		d.a.syncMu.Unlock()
		return err
	}
	merged, err := d.a.commit([]curriculum.Action{action})
	d.a.syncMu.Unlock()
	if err != nil {
		return err
	}
	d.a.log.Info("media duration applied", "media_id", mediaID, "duration_seconds", durationSeconds)
	if merged {
		d.a.pushAndPersist(d.ctx)
	}
	return nil
}

// watch pushes the draft whenever the draft file changes on disk and applies
// media processing events until ctx is cancelled.
func (a *app) watch(ctx context.Context) error {
	fb, ok := a.drafts.(*draftstore.FileBackend)
	if !ok {
		return errors.New("watch needs a file draft (--draft path)")
	}
	if err := a.restore(); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	// The draft is replaced by rename, so watch its directory.
	if err := fsw.Add(filepath.Dir(fb.Path())); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MediaEventsURL != "" {
		watcher := mediaupload.NewWatcher(a.cfg.MediaEventsURL, a.cfg.Token, a.log)
		g.Go(func() error {
			return watcher.Watch(gctx, mediaupload.ApplyTo(draftApplier{a: a, ctx: gctx}))
		})
	}
	g.Go(func() error {
		a.pushAndPersist(gctx)
		return a.watchDraft(gctx, fsw, filepath.Base(fb.Path()))
	})
	a.log.Info("watching draft", "path", fb.Path(), "media_events", a.cfg.MediaEventsURL)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) watchDraft(ctx context.Context, fsw *fsnotify.Watcher, name string) error {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("draft watcher error", "error", err)
		case <-debounce.C:
			a.onDraftChanged(ctx)
		}
	}
}

// onDraftChanged pushes an externally edited draft. Writes made by this
// process are recognised and skipped.
func (a *app) onDraftChanged(ctx context.Context) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	draft, err := a.drafts.Load()
	if err != nil || draft == nil {
		a.log.Warn("draft unreadable, waiting for next change", "error", err)
		return
	}
	encoded, err := json.Marshal(draft.Document)
	if err != nil {
		return
	}
	a.persistMu.Lock()
	own := bytes.Equal(encoded, a.lastSaved)
	a.persistMu.Unlock()
	if own {
		return
	}
	if err := a.editor.Restore(draft.Document); err != nil {
		a.log.Warn("draft rejected", "error", err)
		return
	}
	a.remember(draft.Document)
	a.pushLocked(ctx)
}

func (a *app) pushAndPersist(ctx context.Context) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	a.pushLocked(ctx)
}

// pushLocked saves and commits until no edit arrives during the push.
func (a *app) pushLocked(ctx context.Context) {
	for {
		result, err := a.editor.Save(ctx)
		merged, commitErr := a.commit(result.Applied)
		if commitErr != nil {
			a.log.Error("draft write failed", "error", commitErr)
		}
		if err != nil {
			a.log.Warn("push failed", "error", err, "writes", result.Writes())
			return
		}
		if result.Writes() > 0 {
			a.log.Info("pushed draft", "created", result.Created, "updated", result.Updated)
		}
		if !merged {
			return
		}
		a.log.Info("draft edited during push, pushing again")
	}
}
