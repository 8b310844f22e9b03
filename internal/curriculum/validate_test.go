package curriculum

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func validCourse(t *testing.T) Course {
	t.Helper()
	c := NewCourse("Negotiation basics")
	mod := NewPendingIdentity()
	lesson := NewPendingIdentity()
	c = mustReduce(t, c, AddModule{Identity: mod, Title: "Openers"})
	c = mustReduce(t, c, AddLesson{ModuleID: mod.ID, Identity: lesson, Title: "Anchoring"})
	return c
}

func TestValidateAcceptsMinimalDocument(t *testing.T) {
	if err := Validate(validCourse(t)); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
}

func TestValidateReportsPathAndField(t *testing.T) {
	c := validCourse(t)
	c.Modules[0].Lessons[0].Title = ""
	c.Price = -1

	err := Validate(c)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	var sawTitle, sawPrice bool
	for _, f := range verr.Fields {
		if f.Path == "modules[0].lessons[0]" && f.Field == "title" {
			sawTitle = true
			if f.Message != "title this field is required" && !strings.Contains(f.Message, "required") {
				t.Fatalf("unexpected message %q", f.Message)
			}
		}
		if f.Path == "course" && f.Field == "price" {
			sawPrice = true
		}
	}
	if !sawTitle || !sawPrice {
		t.Fatalf("expected title and price errors, got %+v", verr.Fields)
	}
}

func TestValidateRejectsUnknownCategory(t *testing.T) {
	c := validCourse(t)
	c.Category = Category("astrology")
	if err := Validate(c); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateLessonContentSchema(t *testing.T) {
	c := validCourse(t)
	c.Modules[0].Lessons[0].Content = json.RawMessage(`{"blocks":[{"type":"text","data":{"body":"hi"}}],"questions":[{"prompt":"2+2?","options":["3","4"],"answer":1}]}`)
	if err := Validate(c); err != nil {
		t.Fatalf("expected content to validate, got %v", err)
	}

	c.Modules[0].Lessons[0].Content = json.RawMessage(`{"questions":[{"prompt":"only one","options":["a"]}]}`)
	err := Validate(c)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for content, got %v", err)
	}
	if verr.Fields[0].Field != "content_json" {
		t.Fatalf("expected content_json field error, got %+v", verr.Fields)
	}

	c.Modules[0].Lessons[0].Content = json.RawMessage(`{not json`)
	if err := Validate(c); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected malformed content to fail validation, got %v", err)
	}
}

func TestPayloadHashTracksWriteFieldsOnly(t *testing.T) {
	c := validCourse(t)
	m := c.Modules[0]
	before := PayloadHash(m.Payload())

	m.SyncedHash = "anything"
	m.Identity = Confirmed("srv_m1")
	if PayloadHash(m.Payload()) != before {
		t.Fatalf("expected identity and synced hash to be excluded from the payload hash")
	}

	m.Title = "Renamed"
	if PayloadHash(m.Payload()) == before {
		t.Fatalf("expected title change to alter the payload hash")
	}
}

func TestPayloadHashIgnoresContentWhitespace(t *testing.T) {
	a := Lesson{Title: "x", Type: LessonReading, Content: json.RawMessage(`{"version": 1}`)}
	b := Lesson{Title: "x", Type: LessonReading, Content: json.RawMessage(`{"version":1}`)}
	if PayloadHash(a.Payload()) != PayloadHash(b.Payload()) {
		t.Fatalf("expected equivalent content to hash identically")
	}
}

func TestDirty(t *testing.T) {
	if !Dirty(Pending("local_1"), "h", "h") {
		t.Fatalf("pending entities are always dirty")
	}
	if Dirty(Confirmed("srv_1"), "h", "h") {
		t.Fatalf("confirmed entity with matching hash should be clean")
	}
	if !Dirty(Confirmed("srv_1"), "", "h") {
		t.Fatalf("confirmed entity without a synced hash should be dirty")
	}
	if !Dirty(Confirmed("srv_1"), "h1", "h2") {
		t.Fatalf("confirmed entity with a changed hash should be dirty")
	}
}

func TestCheckInvariantsRejectsGaps(t *testing.T) {
	c := validCourse(t)
	c.Modules[0].Position = 3
	if err := CheckInvariants(c); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected invalid document for a position gap, got %v", err)
	}
}

func TestCheckInvariantsScopesConfirmedIDsByKind(t *testing.T) {
	c := Course{
		Identity: Confirmed("1"),
		Title:    "Serial keys",
		Modules: []Module{
			{Identity: Confirmed("1"), Title: "Week 1", Lessons: []Lesson{
				{Identity: Confirmed("1"), Title: "Intro", Type: LessonVideo},
				{Identity: Confirmed("2"), Title: "Budget", Type: LessonReading, Position: 1},
			}},
			{Identity: Confirmed("2"), Title: "Week 2", Position: 1},
		},
	}
	if err := CheckInvariants(c); err != nil {
		t.Fatalf("module and lesson sharing a server id should be valid, got %v", err)
	}

	c.Modules[1].Lessons = []Lesson{{Identity: Confirmed("2"), Title: "Again", Type: LessonQuiz}}
	if err := CheckInvariants(c); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected duplicate lesson id to be rejected, got %v", err)
	}
}

func TestCheckInvariantsRejectsPendingTagReusedAcrossKinds(t *testing.T) {
	tag := NewPendingIdentity()
	c := Course{
		Identity: Confirmed("c1"),
		Title:    "Tags",
		Modules: []Module{
			{Identity: tag, Title: "Week 1", Lessons: []Lesson{{Identity: tag, Title: "Intro", Type: LessonVideo}}},
		},
	}
	if err := CheckInvariants(c); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected shared pending tag to be rejected, got %v", err)
	}
}
