package contentsync

import (
	"context"
	"errors"
	"testing"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

func TestEditorRemapsUIStateOnConfirm(t *testing.T) {
	client := newFakeClient()
	client.serverID["M1"] = "srv-m1"
	client.serverID["L1"] = "srv-l1"
	editor := newTestEditor(t, client)
	editor.NewCourse("Course")
	moduleID, _ := editor.AddModule("M1", "")
	lessonID, _ := editor.AddLesson(moduleID, "L1", curriculum.LessonReading)
	editor.Select(lessonID)

	if !editor.Expanded(moduleID) {
		t.Fatalf("expected a new module to start expanded")
	}
	if _, err := editor.Save(context.Background()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !editor.Expanded("srv-m1") || editor.Expanded(moduleID) {
		t.Fatalf("expected expansion state to follow the confirmed id")
	}
	if editor.Selected() != "srv-l1" {
		t.Fatalf("expected selection to follow the confirmed id, got %q", editor.Selected())
	}
}

func TestEditorRejectsConcurrentSave(t *testing.T) {
	client := &blockingClient{fakeClient: newFakeClient(), entered: make(chan struct{}), release: make(chan struct{})}
	editor := newTestEditor(t, client)
	editor.NewCourse("Course")

	done := make(chan error, 1)
	go func() {
		_, err := editor.Save(context.Background())
		done <- err
	}()
	<-client.entered

	if _, err := editor.Save(context.Background()); !errors.Is(err, ErrSaveInProgress) {
		t.Fatalf("expected ErrSaveInProgress, got %v", err)
	}
	title := "Edited while saving"
	if err := editor.UpdateCourse(curriculum.CoursePatch{Title: &title}); err != nil {
		t.Fatalf("expected edits to proceed during a save, got %v", err)
	}
	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	if _, err := editor.Save(context.Background()); err != nil {
		t.Fatalf("follow-up save failed: %v", err)
	}
	writes := client.writes()
	if last := writes[len(writes)-1]; last.Op != "update-course" || last.Title != title {
		t.Fatalf("expected the late edit to be written by the next save, got %+v", last)
	}
}

type blockingClient struct {
	*fakeClient
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClient) CreateCourse(ctx context.Context, key string, payload curriculum.CoursePayload) (Record, error) {
	close(c.entered)
	<-c.release
	return c.fakeClient.CreateCourse(ctx, key, payload)
}

func TestEditorAttachMediaAndProcessedDuration(t *testing.T) {
	editor := newTestEditor(t, newFakeClient())
	editor.NewCourse("Course")
	moduleID, _ := editor.AddModule("M1", "")
	lessonID, _ := editor.AddLesson(moduleID, "Video", curriculum.LessonVideo)

	if err := editor.AttachMedia(lessonID, " "); !errors.Is(err, curriculum.ErrInvalidAction) {
		t.Fatalf("expected empty media id to be rejected, got %v", err)
	}
	if err := editor.AttachMedia(lessonID, "media_9"); err != nil {
		t.Fatalf("attach media failed: %v", err)
	}
	if err := editor.ApplyMediaProcessed("media_9", 42); err != nil {
		t.Fatalf("apply processed failed: %v", err)
	}
	doc, _ := editor.Snapshot()
	lesson, _, _ := doc.FindLesson(lessonID)
	if lesson.VideoAssetID != "media_9" || lesson.MeasuredDurationSeconds == nil || *lesson.MeasuredDurationSeconds != 42 {
		t.Fatalf("unexpected lesson media state: %+v", lesson)
	}
}

func TestEditorRestoreRejectsBrokenDraft(t *testing.T) {
	editor := newTestEditor(t, newFakeClient())
	doc := curriculum.NewCourse("Course")
	doc.Modules = []curriculum.Module{{Identity: curriculum.Pending("local_x"), Position: 4}}
	if err := editor.Restore(doc); !errors.Is(err, curriculum.ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
	if _, ok := editor.Snapshot(); ok {
		t.Fatalf("expected no document after rejected restore")
	}
}

func TestEditorMutationsRequireDocument(t *testing.T) {
	editor := newTestEditor(t, newFakeClient())
	if _, err := editor.AddModule("M1", ""); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
}
