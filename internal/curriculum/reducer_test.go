package curriculum

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func strPtr(s string) *string { return &s }

func mustReduce(t *testing.T, c Course, action Action) Course {
	t.Helper()
	next, err := Reduce(c, action)
	if err != nil {
		t.Fatalf("reduce %T failed: %v", action, err)
	}
	return next
}

func TestAddModuleAppendsPendingAtSiblingCount(t *testing.T) {
	c := NewCourse("Intro")
	first := NewPendingIdentity()
	second := NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: first, Title: "M1"})
	c = mustReduce(t, c, AddModule{Identity: second, Title: "M2"})

	if len(c.Modules) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(c.Modules))
	}
	if c.Modules[1].Identity != second || c.Modules[1].Position != 1 {
		t.Fatalf("expected second module at position 1, got %+v", c.Modules[1])
	}
	if !c.Modules[0].Identity.IsPending() {
		t.Fatalf("expected new module to be pending")
	}
}

func TestAddRejectsConfirmedOrDuplicateIdentity(t *testing.T) {
	c := NewCourse("Intro")
	if _, err := Reduce(c, AddModule{Identity: Confirmed("srv_1")}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action for confirmed identity, got %v", err)
	}
	ident := NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: ident})
	if _, err := Reduce(c, AddModule{Identity: ident}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action for duplicate identity, got %v", err)
	}
}

func TestReduceLeavesInputUntouched(t *testing.T) {
	c := NewCourse("Intro")
	mod := NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: mod, Title: "M1"})
	c = mustReduce(t, c, AddLesson{ModuleID: mod.ID, Identity: NewPendingIdentity(), Title: "L1"})

	before := c
	_ = mustReduce(t, c, UpdateModule{ModuleID: mod.ID, Patch: ModulePatch{Title: strPtr("changed")}})
	_ = mustReduce(t, c, RemoveLesson{ModuleID: mod.ID, LessonID: c.Modules[0].Lessons[0].Identity.ID})

	if before.Modules[0].Title != "M1" || len(before.Modules[0].Lessons) != 1 {
		t.Fatalf("expected original document to be unchanged, got %+v", before.Modules[0])
	}
}

func TestUpdateLessonFindsNestedLessonOnly(t *testing.T) {
	c := NewCourse("Intro")
	m1, m2 := NewPendingIdentity(), NewPendingIdentity()
	l1, l2 := NewPendingIdentity(), NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: m1})
	c = mustReduce(t, c, AddModule{Identity: m2})
	c = mustReduce(t, c, AddLesson{ModuleID: m1.ID, Identity: l1, Title: "a"})
	c = mustReduce(t, c, AddLesson{ModuleID: m2.ID, Identity: l2, Title: "b"})

	content := json.RawMessage(`{"blocks":[{"type":"text"}]}`)
	free := true
	c = mustReduce(t, c, UpdateLesson{LessonID: l2.ID, Patch: LessonPatch{
		Title:       strPtr("renamed"),
		FreePreview: &free,
		Content:     &content,
	}})

	got, moduleID, ok := c.FindLesson(l2.ID)
	if !ok || moduleID != m2.ID {
		t.Fatalf("expected lesson in module %s, got %s (found=%v)", m2.ID, moduleID, ok)
	}
	if got.Title != "renamed" || !got.FreePreview || string(got.Content) != string(content) {
		t.Fatalf("unexpected merged lesson: %+v", got)
	}
	other, _, _ := c.FindLesson(l1.ID)
	if other.Title != "a" || other.FreePreview {
		t.Fatalf("expected sibling lesson untouched, got %+v", other)
	}
}

func TestRemoveReindexesSiblings(t *testing.T) {
	c := NewCourse("Intro")
	ids := make([]Identity, 4)
	for i := range ids {
		ids[i] = NewPendingIdentity()
		c = mustReduce(t, c, AddModule{Identity: ids[i]})
	}
	c = mustReduce(t, c, RemoveModule{ModuleID: ids[1].ID})

	for i, m := range c.Modules {
		if m.Position != i {
			t.Fatalf("module %s at index %d has position %d", m.Identity.ID, i, m.Position)
		}
	}
	if c.Modules[1].Identity != ids[2] {
		t.Fatalf("expected relative order preserved, got %s", c.Modules[1].Identity)
	}
}

func TestAddThenRemoveFirstLessonLeavesSecondAtZero(t *testing.T) {
	c := NewCourse("Intro")
	mod := Confirmed("m_existing")
	c.Modules = []Module{{Identity: mod, Title: "Existing", Lessons: []Lesson{}}}
	first, second := NewPendingIdentity(), NewPendingIdentity()
	c = mustReduce(t, c, AddLesson{ModuleID: mod.ID, Identity: first})
	c = mustReduce(t, c, AddLesson{ModuleID: mod.ID, Identity: second})
	c = mustReduce(t, c, RemoveLesson{ModuleID: mod.ID, LessonID: first.ID})

	lessons := c.Modules[0].Lessons
	if len(lessons) != 1 || lessons[0].Identity != second || lessons[0].Position != 0 {
		t.Fatalf("expected remaining lesson at position 0, got %+v", lessons)
	}
}

func TestRandomAddDeleteSequencesKeepDenseOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := NewCourse("Fuzz")
	for step := 0; step < 400; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(c.Modules) == 0:
			c = mustReduce(t, c, AddModule{Identity: NewPendingIdentity(), Title: fmt.Sprintf("m%d", step)})
		case op == 1:
			m := c.Modules[rng.Intn(len(c.Modules))]
			c = mustReduce(t, c, AddLesson{ModuleID: m.Identity.ID, Identity: NewPendingIdentity(), Title: "l"})
		case op == 2:
			m := c.Modules[rng.Intn(len(c.Modules))]
			c = mustReduce(t, c, RemoveModule{ModuleID: m.Identity.ID})
		default:
			m := c.Modules[rng.Intn(len(c.Modules))]
			if len(m.Lessons) == 0 {
				continue
			}
			l := m.Lessons[rng.Intn(len(m.Lessons))]
			c = mustReduce(t, c, RemoveLesson{ModuleID: m.Identity.ID, LessonID: l.Identity.ID})
		}
		if err := CheckInvariants(c); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}

func TestConfirmFlipsIdentityOnce(t *testing.T) {
	c := NewCourse("Intro")
	mod := NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: mod})
	c = mustReduce(t, c, Confirm{Kind: KindModule, PendingID: mod.ID, ServerID: "srv_m1", SyncedHash: "h1"})

	m, ok := c.FindModule("srv_m1")
	if !ok || !m.Identity.IsConfirmed() || m.SyncedHash != "h1" {
		t.Fatalf("expected confirmed module srv_m1, got %+v", m)
	}
	if _, ok := c.FindModule(mod.ID); ok {
		t.Fatalf("expected pending tag to be gone")
	}
	if _, err := Reduce(c, Confirm{Kind: KindModule, PendingID: "srv_m1", ServerID: "srv_other"}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected second confirm to be rejected, got %v", err)
	}
	if _, err := Reduce(c, MarkSynced{Kind: KindModule, ID: "srv_m1", SyncedHash: "h2"}); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
}

func TestMarkSyncedRejectsPending(t *testing.T) {
	c := NewCourse("Intro")
	if _, err := Reduce(c, MarkSynced{Kind: KindCourse, ID: c.Identity.ID, SyncedHash: "h"}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected pending course to reject mark synced, got %v", err)
	}
}

func TestApplyMediaProcessedSetsMeasuredDuration(t *testing.T) {
	c := NewCourse("Intro")
	mod := NewPendingIdentity()
	withMedia, without := NewPendingIdentity(), NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: mod})
	c = mustReduce(t, c, AddLesson{ModuleID: mod.ID, Identity: withMedia})
	c = mustReduce(t, c, AddLesson{ModuleID: mod.ID, Identity: without})
	c = mustReduce(t, c, UpdateLesson{LessonID: withMedia.ID, Patch: LessonPatch{VideoAssetID: strPtr("media_1")}})
	c = mustReduce(t, c, ApplyMediaProcessed{MediaID: "media_1", DurationSeconds: 95})

	got, _, _ := c.FindLesson(withMedia.ID)
	if got.MeasuredDurationSeconds == nil || *got.MeasuredDurationSeconds != 95 {
		t.Fatalf("expected measured duration 95, got %v", got.MeasuredDurationSeconds)
	}
	other, _, _ := c.FindLesson(without.ID)
	if other.MeasuredDurationSeconds != nil {
		t.Fatalf("expected lesson without media to be untouched")
	}
}
