package contentsync

import (
	"context"
	"errors"
	"testing"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

func seededClient(t *testing.T) *fakeClient {
	t.Helper()
	client := newFakeClient()
	client.courses["c1"] = rawRecord(t, `{"id":"c1","title":"Money 101","category":"Finance","level":"beginner","price":"19.5","isActive":true}`)
	client.modules["c1"] = []Record{
		rawRecord(t, `{"id":"m_b","title":"Second","orderIndex":2}`),
		rawRecord(t, `{"id":"m_a","title":"First","order_index":0}`),
	}
	client.lessons["m_a"] = []Record{
		rawRecord(t, `{"id":7,"title":"Budget","lesson_type":"reading","order_index":1,"content_md":"# Budget","content_json":"{\"version\":1}"}`),
		rawRecord(t, `{"id":"l_intro","title":"Intro","lessonType":"video","orderIndex":0,"videoAssetId":"media_1","durationSeconds":120,"isFreePreview":true,"durationMinutes":2}`),
	}
	client.lessons["m_b"] = nil
	return client
}

func TestIngestCoalescesFieldNamesAndConfirmsEverything(t *testing.T) {
	ingester := NewIngester(seededClient(t), 2, nil, nil)
	course, err := ingester.Load(context.Background(), "c1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if course.Identity != curriculum.Confirmed("c1") || course.Title != "Money 101" {
		t.Fatalf("unexpected course header: %+v", course)
	}
	if course.Category != curriculum.CategoryFinance || course.Price != 19.5 || !course.Active {
		t.Fatalf("expected coalesced course fields, got %+v", course)
	}
	if len(course.Modules) != 2 || course.Modules[0].Identity.ID != "m_a" || course.Modules[1].Identity.ID != "m_b" {
		t.Fatalf("expected modules sorted by remote order, got %+v", course.Modules)
	}

	lessons := course.Modules[0].Lessons
	if len(lessons) != 2 {
		t.Fatalf("expected 2 lessons, got %d", len(lessons))
	}
	intro, budget := lessons[0], lessons[1]
	if intro.Identity != curriculum.Confirmed("l_intro") || intro.Type != curriculum.LessonVideo || !intro.FreePreview {
		t.Fatalf("unexpected intro lesson: %+v", intro)
	}
	if intro.VideoAssetID != "media_1" || intro.MeasuredDurationSeconds == nil || *intro.MeasuredDurationSeconds != 120 {
		t.Fatalf("expected media fields from camelCase names, got %+v", intro)
	}
	if intro.DurationMinutes == nil || *intro.DurationMinutes != 2 {
		t.Fatalf("expected duration minutes 2, got %v", intro.DurationMinutes)
	}
	if budget.Identity != curriculum.Confirmed("7") || budget.Markdown != "# Budget" || string(budget.Content) != `{"version":1}` {
		t.Fatalf("unexpected budget lesson: %+v", budget)
	}
	if err := curriculum.CheckInvariants(course); err != nil {
		t.Fatalf("ingested document violates invariants: %v", err)
	}
}

func TestIngestedGapIsRewrittenOnNextSave(t *testing.T) {
	client := seededClient(t)
	editor := newTestEditor(t, client)
	if err := editor.Load(context.Background(), "c1"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	before := len(client.writes())
	if _, err := editor.Save(context.Background()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	writes := client.writes()[before:]
	if len(writes) != 1 || writes[0].Op != "update-module" || writes[0].Key != "m_b" {
		t.Fatalf("expected only m_b (order 2 -> 1) to be rewritten, got %+v", writes)
	}
}

func TestIngestFailureLeavesEditorEmpty(t *testing.T) {
	client := seededClient(t)
	client.failOn["list-lessons:m_b"] = errors.New("boom")
	editor := newTestEditor(t, client)
	editor.NewCourse("previous session")

	err := editor.Load(context.Background(), "c1")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if _, ok := editor.Snapshot(); ok {
		t.Fatalf("expected no document after a failed load")
	}
}

func TestIngestMissingCourseIsNotFound(t *testing.T) {
	editor := newTestEditor(t, newFakeClient())
	err := editor.Load(context.Background(), "missing")
	if !errors.Is(err, ErrFetch) || !errors.Is(err, curriculum.ErrNotFound) {
		t.Fatalf("expected fetch error wrapping not found, got %v", err)
	}
}

func TestDecodeRecordListAcceptsEnvelopes(t *testing.T) {
	for _, body := range []string{`[{"id":"a"}]`, `{"items":[{"id":"a"}]}`, `{"data":[{"id":"a"}]}`} {
		recs, err := decodeRecordList([]byte(body))
		if err != nil {
			t.Fatalf("decode %s failed: %v", body, err)
		}
		if len(recs) != 1 || recs[0].ID() != "a" {
			t.Fatalf("decode %s: unexpected records %+v", body, recs)
		}
	}
	if _, err := decodeRecordList([]byte(`{"unexpected":true}`)); err == nil {
		t.Fatalf("expected error for unknown envelope")
	}
}

func TestIngestAcceptsSerialIDsSharedAcrossKinds(t *testing.T) {
	client := newFakeClient()
	client.courses["1"] = rawRecord(t, `{"id":1,"title":"Serial"}`)
	client.modules["1"] = []Record{rawRecord(t, `{"id":1,"title":"Week 1","order_index":0}`)}
	client.lessons["1"] = []Record{rawRecord(t, `{"id":1,"title":"Intro","lesson_type":"video","order_index":0}`)}
	editor := newTestEditor(t, client)

	if err := editor.Load(context.Background(), "1"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	doc, _ := editor.Snapshot()
	if doc.Modules[0].Identity != curriculum.Confirmed("1") || doc.Modules[0].Lessons[0].Identity != curriculum.Confirmed("1") {
		t.Fatalf("unexpected identities: %+v", doc.Modules)
	}
	if err := editor.Restore(doc); err != nil {
		t.Fatalf("restore of loaded document failed: %v", err)
	}
}
