package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/liminal-technologies/readylab-curriculum/internal/config"
	"github.com/liminal-technologies/readylab-curriculum/internal/contentsync"
	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/draftstore"
	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

var errNoDraft = errors.New("no draft yet: run `curriculumctl new` or `curriculumctl pull` first")

type app struct {
	cfg    config.Client
	log    *logger.Logger
	out    io.Writer
	drafts draftstore.Backend
	editor *contentsync.Editor

	// persistMu serialises draft writes from the CLI and the media watcher.
	// lastSaved is the draft as this process last read or wrote it.
	persistMu sync.Mutex
	lastSaved []byte

	// syncMu orders pushes and media updates in watch mode.
	syncMu sync.Mutex
}

func newApp(cfg config.Client, log *logger.Logger, out io.Writer) (*app, error) {
	drafts, err := draftstore.Open(cfg.DraftDSN)
	if err != nil {
		return nil, fmt.Errorf("open draft %s: %w", cfg.DraftDSN, err)
	}
	client := contentsync.NewHTTPClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.Timeout}, contentsync.HTTPClientOptions{Logger: log})
	editor, err := contentsync.NewEditor(client, contentsync.EditorOptions{
		Logger:           log,
		FetchConcurrency: cfg.FetchConcurrency,
	})
	if err != nil {
		_ = drafts.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: logger.OrNop(log), out: out, drafts: drafts, editor: editor}, nil
}

func (a *app) Close() error {
	return a.drafts.Close()
}

// restore loads the stored draft into the editor.
func (a *app) restore() error {
	draft, err := a.drafts.Load()
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	if draft == nil {
		return errNoDraft
	}
	if err := a.editor.Restore(draft.Document); err != nil {
		return err
	}
	a.remember(draft.Document)
	return nil
}

func (a *app) remember(doc curriculum.Course) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return
	}
	a.persistMu.Lock()
	a.lastSaved = encoded
	a.persistMu.Unlock()
}

// persist writes the editor's document over the draft.
func (a *app) persist() error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	return a.writeSessionLocked()
}

// commit writes the editor's document to the draft unless the draft was
// edited since this process last read or wrote it. In that case applied is
// replayed onto the edited copy, the editor adopts the result and merged is
// true. Actions that no longer fit the edited copy are dropped.
func (a *app) commit(applied []curriculum.Action) (merged bool, err error) {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	current, err := a.drafts.Load()
	if err != nil {
		a.log.Warn("draft unreadable, writing session document", "error", err)
		return false, a.writeSessionLocked()
	}
	if current == nil || a.lastSaved == nil {
		return false, a.writeSessionLocked()
	}
	encoded, err := json.Marshal(current.Document)
	if err != nil || bytes.Equal(encoded, a.lastSaved) {
		return false, a.writeSessionLocked()
	}

	doc := current.Document
	for _, action := range applied {
		next, err := curriculum.Reduce(doc, action)
		if err != nil {
			a.log.Info("sync result does not apply to edited draft", "error", err)
			continue
		}
		doc = next
	}
	if err := a.editor.Restore(doc); err != nil {
		return false, fmt.Errorf("edited draft rejected, left untouched: %w", err)
	}
	if err := a.writeLocked(doc); err != nil {
		return false, err
	}
	a.log.Info("merged sync results into edited draft", "actions", len(applied))
	return true, nil
}

func (a *app) writeSessionLocked() error {
	doc, ok := a.editor.Snapshot()
	if !ok {
		return nil
	}
	return a.writeLocked(doc)
}

func (a *app) writeLocked(doc curriculum.Course) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := a.drafts.Save(draftstore.NewDraft(doc)); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	a.lastSaved = encoded
	return nil
}

func (a *app) create(title string) error {
	doc := a.editor.NewCourse(title)
	if err := a.persist(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "new course draft %s\n", doc.Identity)
	return nil
}

func (a *app) pull(ctx context.Context, courseID string) error {
	if err := a.editor.Load(ctx, courseID); err != nil {
		return err
	}
	if err := a.persist(); err != nil {
		return err
	}
	doc, _ := a.editor.Snapshot()
	lessons := 0
	for _, m := range doc.Modules {
		lessons += len(m.Lessons)
	}
	fmt.Fprintf(a.out, "pulled %q: %d modules, %d lessons\n", doc.Title, len(doc.Modules), lessons)
	return nil
}

func (a *app) push(ctx context.Context) error {
	if err := a.restore(); err != nil {
		return err
	}
	result, saveErr := a.editor.Save(ctx)
	merged, err := a.commit(result.Applied)
	if err != nil {
		return errors.Join(saveErr, err)
	}
	if merged {
		fmt.Fprintln(a.out, "draft was edited during push; kept the edits, run push again to save them")
	}
	if saveErr != nil {
		var werr *contentsync.RemoteWriteError
		if errors.As(saveErr, &werr) {
			fmt.Fprintf(a.out, "saved %d writes before failing; run push again to resume\n", result.Writes())
		}
		return saveErr
	}
	fmt.Fprintf(a.out, "saved: %d created, %d updated, %d unchanged\n", result.Created, result.Updated, result.Unchanged)
	return nil
}

func (a *app) removeModule(ctx context.Context, moduleID string) error {
	if err := a.restore(); err != nil {
		return err
	}
	if err := a.editor.DeleteModule(ctx, moduleID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deleted module %s\n", moduleID)
	return a.persist()
}

func (a *app) removeLesson(ctx context.Context, moduleID, lessonID string) error {
	if err := a.restore(); err != nil {
		return err
	}
	if err := a.editor.DeleteLesson(ctx, moduleID, lessonID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deleted lesson %s\n", lessonID)
	return a.persist()
}

func (a *app) status() error {
	if err := a.restore(); err != nil {
		return err
	}
	doc, _ := a.editor.Snapshot()
	fmt.Fprintf(a.out, "%s %s%s\n", doc.Title, doc.Identity, dirtyMark(doc.Identity, doc.SyncedHash, doc.Payload()))
	for _, m := range doc.Modules {
		fmt.Fprintf(a.out, "  [%d] %s %s%s\n", m.Position, m.Title, m.Identity, dirtyMark(m.Identity, m.SyncedHash, m.Payload()))
		for _, l := range m.Lessons {
			fmt.Fprintf(a.out, "    [%d] %s (%s) %s%s\n", l.Position, l.Title, l.Type, l.Identity, dirtyMark(l.Identity, l.SyncedHash, l.Payload()))
		}
	}
	return nil
}

func dirtyMark(ident curriculum.Identity, syncedHash string, payload any) string {
	if curriculum.Dirty(ident, syncedHash, curriculum.PayloadHash(payload)) {
		return " *"
	}
	return ""
}

// upload transfers a file and attaches the resulting media id to lessonID.
// Interrupting the command cancels the transfer and leaves the lesson as is.
func (a *app) upload(ctx context.Context, lessonID, path string) error {
	if err := a.restore(); err != nil {
		return err
	}
	if _, _, ok := mustSnapshot(a.editor).FindLesson(lessonID); !ok {
		return fmt.Errorf("lesson %s: %w", lessonID, curriculum.ErrNotFound)
	}
	tickets := mediaupload.NewTicketClient(a.cfg.MediaBaseURL, a.cfg.Token, &http.Client{Timeout: a.cfg.Timeout})
	uploader, err := mediaupload.NewUploader(tickets, mediaupload.UploaderOptions{Logger: a.log})
	if err != nil {
		return err
	}
	transfer, err := uploader.Start(ctx, path, mediaupload.TicketRequest{
		Title:   filepath.Base(path),
		OwnerID: a.cfg.OwnerID,
		Origin:  a.cfg.Origin,
	}, progressPrinter(a.out, filepath.Base(path)))
	if err != nil {
		return err
	}
	select {
	case <-transfer.Done():
	case <-ctx.Done():
		transfer.Cancel()
	}
	if err := uploader.Attach(transfer, a.editor, lessonID); err != nil {
		return err
	}
	mediaID := transfer.MediaID()
	merged, err := a.commit([]curriculum.Action{
		curriculum.UpdateLesson{LessonID: lessonID, Patch: curriculum.LessonPatch{VideoAssetID: &mediaID}},
	})
	if err != nil {
		return err
	}
	if merged {
		fmt.Fprintln(a.out, "draft was edited during upload; kept the edits")
	}
	fmt.Fprintf(a.out, "attached media %s to lesson %s\n", mediaID, lessonID)
	return nil
}

// progressPrinter reports a transfer once per ten percent.
func progressPrinter(out io.Writer, name string) mediaupload.ProgressFunc {
	lastDecile := int64(-1)
	return func(p mediaupload.Progress) {
		if p.Total <= 0 {
			return
		}
		pct := p.Sent * 100 / p.Total
		if decile := pct / 10; decile != lastDecile {
			lastDecile = decile
			fmt.Fprintf(out, "uploading %s: %d%%\n", name, pct)
		}
	}
}

func mustSnapshot(e *contentsync.Editor) curriculum.Course {
	doc, _ := e.Snapshot()
	return doc
}
