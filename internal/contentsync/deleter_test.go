package contentsync

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

func confirmedDocument() curriculum.Course {
	lesson := func(id string, pos int) curriculum.Lesson {
		return curriculum.Lesson{Identity: curriculum.Confirmed(id), Title: id, Type: curriculum.LessonVideo, Position: pos}
	}
	return curriculum.Course{
		Identity: curriculum.Confirmed("c1"),
		Title:    "Course",
		Modules: []curriculum.Module{
			{Identity: curriculum.Confirmed("m1"), Title: "M1", Position: 0, Lessons: []curriculum.Lesson{lesson("l1", 0)}},
			{Identity: curriculum.Confirmed("m2"), Title: "M2", Position: 1, Lessons: []curriculum.Lesson{lesson("l2", 0), lesson("l3", 1)}},
			{Identity: curriculum.Confirmed("m3"), Title: "M3", Position: 2, Lessons: []curriculum.Lesson{}},
		},
	}
}

func TestDeleteConfirmedModuleFailureLeavesTreeUnchanged(t *testing.T) {
	client := newFakeClient()
	client.failOn["delete-module:m2"] = errors.New("network down")
	editor := newTestEditor(t, client)
	if err := editor.Restore(confirmedDocument()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	before, _ := editor.Snapshot()

	err := editor.DeleteModule(context.Background(), "m2")
	if !errors.Is(err, ErrRemoteWrite) {
		t.Fatalf("expected remote write error, got %v", err)
	}
	after, _ := editor.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("expected tree unchanged after failed delete")
	}
	if client.callCount() != 1 {
		t.Fatalf("expected exactly one delete call, got %d", client.callCount())
	}
}

func TestDeleteConfirmedModuleIssuesOneCallAndReindexes(t *testing.T) {
	client := newFakeClient()
	editor := newTestEditor(t, client)
	if err := editor.Restore(confirmedDocument()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if err := editor.DeleteModule(context.Background(), "m2"); err != nil {
		t.Fatalf("delete module failed: %v", err)
	}
	calls := client.writes()
	if len(calls) != 1 || calls[0].Op != "delete-module" || calls[0].Key != "m2" {
		t.Fatalf("expected one module delete without per-lesson deletes, got %+v", calls)
	}
	doc, _ := editor.Snapshot()
	if len(doc.Modules) != 2 || doc.Modules[1].Identity.ID != "m3" || doc.Modules[1].Position != 1 {
		t.Fatalf("expected m3 reindexed to position 1, got %+v", doc.Modules)
	}
}

func TestDeletePendingModuleIssuesNoCalls(t *testing.T) {
	client := newFakeClient()
	editor := newTestEditor(t, client)
	if err := editor.Restore(confirmedDocument()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	pending, err := editor.AddModule("Draft", "")
	if err != nil {
		t.Fatalf("add module failed: %v", err)
	}
	if err := editor.DeleteModule(context.Background(), pending); err != nil {
		t.Fatalf("delete pending module failed: %v", err)
	}
	if client.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", client.callCount())
	}
	if editor.Expanded(pending) {
		t.Fatalf("expected UI state for the removed module to be dropped")
	}
}

func TestDeleteTwoNewLessonsFirstBeforeSave(t *testing.T) {
	client := newFakeClient()
	editor := newTestEditor(t, client)
	if err := editor.Restore(confirmedDocument()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	first, _ := editor.AddLesson("m3", "First", curriculum.LessonReading)
	second, _ := editor.AddLesson("m3", "Second", curriculum.LessonReading)

	if err := editor.DeleteLesson(context.Background(), "m3", first); err != nil {
		t.Fatalf("delete lesson failed: %v", err)
	}
	if client.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", client.callCount())
	}
	doc, _ := editor.Snapshot()
	lessons := doc.Modules[2].Lessons
	if len(lessons) != 1 || lessons[0].Identity.ID != second || lessons[0].Position != 0 {
		t.Fatalf("expected remaining lesson at position 0, got %+v", lessons)
	}
}

func TestDeleteConfirmedLessonTreatsNotFoundAsDeleted(t *testing.T) {
	client := newFakeClient()
	client.failOn["delete-lesson:l2"] = &HTTPError{StatusCode: 404, Code: "not_found"}
	editor := newTestEditor(t, client)
	if err := editor.Restore(confirmedDocument()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if err := editor.DeleteLesson(context.Background(), "m2", "l2"); err != nil {
		t.Fatalf("expected missing remote lesson to count as deleted, got %v", err)
	}
	doc, _ := editor.Snapshot()
	lessons := doc.Modules[1].Lessons
	if len(lessons) != 1 || lessons[0].Identity.ID != "l3" || lessons[0].Position != 0 {
		t.Fatalf("expected l3 reindexed to 0, got %+v", lessons)
	}
}

func TestDeleteLessonRequiresMatchingModule(t *testing.T) {
	editor := newTestEditor(t, newFakeClient())
	if err := editor.Restore(confirmedDocument()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if err := editor.DeleteLesson(context.Background(), "m1", "l2"); !errors.Is(err, curriculum.ErrNotFound) {
		t.Fatalf("expected not found for lesson outside module, got %v", err)
	}
}

func TestDeletedLessonIsNotPersistedOnNextSave(t *testing.T) {
	client := newFakeClient()
	editor := newTestEditor(t, client)
	doc := confirmedDocument()
	doc.SyncedHash = curriculum.PayloadHash(doc.Payload())
	for i := range doc.Modules {
		doc.Modules[i].SyncedHash = curriculum.PayloadHash(doc.Modules[i].Payload())
		for j := range doc.Modules[i].Lessons {
			doc.Modules[i].Lessons[j].SyncedHash = curriculum.PayloadHash(doc.Modules[i].Lessons[j].Payload())
		}
	}
	if err := editor.Restore(doc); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if err := editor.DeleteLesson(context.Background(), "m2", "l2"); err != nil {
		t.Fatalf("delete lesson failed: %v", err)
	}
	before := len(client.writes())
	if _, err := editor.Save(context.Background()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	writes := client.writes()[before:]
	if len(writes) != 1 || writes[0].Op != "update-lesson" || writes[0].Key != "l3" {
		t.Fatalf("expected reindexed sibling l3 to be updated, got %+v", writes)
	}
}
