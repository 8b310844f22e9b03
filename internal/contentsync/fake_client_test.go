package contentsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

type fakeCall struct {
	Op     string
	Parent string
	Key    string
	Title  string
}

// fakeClient records every call in order. failOn maps "op:title" or "op:id"
// to the error that call returns.
type fakeClient struct {
	mu       sync.Mutex
	calls    []fakeCall
	nextID   int
	serverID map[string]string
	failOn   map[string]error

	courses map[string]Record
	modules map[string][]Record
	lessons map[string][]Record
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		serverID: map[string]string{},
		failOn:   map[string]error{},
		courses:  map[string]Record{},
		modules:  map[string][]Record{},
		lessons:  map[string][]Record{},
	}
}

func (f *fakeClient) record(op, parent, key, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Op: op, Parent: parent, Key: key, Title: title})
	if err, ok := f.failOn[op+":"+title]; ok {
		return err
	}
	if err, ok := f.failOn[op+":"+key]; ok {
		return err
	}
	return nil
}

func (f *fakeClient) issue(key, title string) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.serverID[title]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("srv-%d", f.nextID)
	}
	return Record{"id": json.RawMessage(fmt.Sprintf("%q", id))}
}

func (f *fakeClient) writes() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, 0, len(f.calls))
	for _, c := range f.calls {
		switch c.Op {
		case "get", "list-modules", "list-lessons":
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) GetCourse(_ context.Context, courseID string) (Record, error) {
	if err := f.record("get", "", courseID, ""); err != nil {
		return nil, err
	}
	rec, ok := f.courses[courseID]
	if !ok {
		return nil, &HTTPError{StatusCode: 404, Code: "not_found", Message: "course not found"}
	}
	return rec, nil
}

func (f *fakeClient) ListModules(_ context.Context, courseID string) ([]Record, error) {
	if err := f.record("list-modules", courseID, courseID, ""); err != nil {
		return nil, err
	}
	return f.modules[courseID], nil
}

func (f *fakeClient) ListLessons(_ context.Context, moduleID string) ([]Record, error) {
	if err := f.record("list-lessons", moduleID, moduleID, ""); err != nil {
		return nil, err
	}
	return f.lessons[moduleID], nil
}

func (f *fakeClient) CreateCourse(_ context.Context, key string, payload curriculum.CoursePayload) (Record, error) {
	if err := f.record("create-course", "", key, payload.Title); err != nil {
		return nil, err
	}
	return f.issue(key, payload.Title), nil
}

func (f *fakeClient) UpdateCourse(_ context.Context, courseID string, payload curriculum.CoursePayload) (Record, error) {
	if err := f.record("update-course", "", courseID, payload.Title); err != nil {
		return nil, err
	}
	return Record{}, nil
}

func (f *fakeClient) CreateModule(_ context.Context, courseID, key string, payload curriculum.ModulePayload) (Record, error) {
	if err := f.record("create-module", courseID, key, payload.Title); err != nil {
		return nil, err
	}
	return f.issue(key, payload.Title), nil
}

func (f *fakeClient) UpdateModule(_ context.Context, moduleID string, payload curriculum.ModulePayload) (Record, error) {
	if err := f.record("update-module", "", moduleID, payload.Title); err != nil {
		return nil, err
	}
	return Record{}, nil
}

func (f *fakeClient) DeleteModule(_ context.Context, moduleID string) error {
	return f.record("delete-module", "", moduleID, "")
}

func (f *fakeClient) CreateLesson(_ context.Context, moduleID, key string, payload curriculum.LessonPayload) (Record, error) {
	if err := f.record("create-lesson", moduleID, key, payload.Title); err != nil {
		return nil, err
	}
	return f.issue(key, payload.Title), nil
}

func (f *fakeClient) UpdateLesson(_ context.Context, lessonID string, payload curriculum.LessonPayload) (Record, error) {
	if err := f.record("update-lesson", "", lessonID, payload.Title); err != nil {
		return nil, err
	}
	return Record{}, nil
}

func (f *fakeClient) DeleteLesson(_ context.Context, lessonID string) error {
	return f.record("delete-lesson", "", lessonID, "")
}

func rawRecord(t interface{ Fatalf(string, ...any) }, body string) Record {
	var r Record
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("decode record fixture: %v", err)
	}
	return r
}
