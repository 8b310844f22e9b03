package curriculum

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidAction   = errors.New("invalid action")
	ErrInvalidDocument = errors.New("invalid document")
	ErrValidation      = errors.New("validation failed")
)

type EntityKind string

const (
	KindCourse EntityKind = "course"
	KindModule EntityKind = "module"
	KindLesson EntityKind = "lesson"
)

type Category string

const (
	CategoryBusiness   Category = "business"
	CategoryTechnology Category = "technology"
	CategoryFinance    Category = "finance"
	CategoryLeadership Category = "leadership"
	CategoryMarketing  Category = "marketing"
	CategoryWellness   Category = "wellness"
	CategoryCreative   Category = "creative"
	CategoryOther      Category = "other"
)

type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
	LevelAllLevels    Level = "all-levels"
)

type LessonType string

const (
	LessonVideo   LessonType = "video"
	LessonReading LessonType = "reading"
	LessonQuiz    LessonType = "quiz"
	LessonAudio   LessonType = "audio"
)

// Course is the document root. Modules are held by containment; a module's
// parent is whichever course lists it.
type Course struct {
	Identity    Identity `json:"identity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    Category `json:"category,omitempty"`
	Level       Level    `json:"level,omitempty"`
	Price       float64  `json:"price"`
	Active      bool     `json:"active"`
	SyncedHash  string   `json:"syncedHash,omitempty"`
	Modules     []Module `json:"modules"`
}

type Module struct {
	Identity    Identity `json:"identity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Position    int      `json:"position"`
	SyncedHash  string   `json:"syncedHash,omitempty"`
	Lessons     []Lesson `json:"lessons"`
}

type Lesson struct {
	Identity        Identity   `json:"identity"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Type            LessonType `json:"type"`
	Position        int        `json:"position"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	FreePreview     bool       `json:"freePreview"`

	VideoAssetID            string          `json:"videoAssetId,omitempty"`
	PosterURL               string          `json:"posterUrl,omitempty"`
	ThumbnailURL            string          `json:"thumbnailUrl,omitempty"`
	MeasuredDurationSeconds *int            `json:"measuredDurationSeconds,omitempty"`
	Markdown                string          `json:"markdown,omitempty"`
	Content                 json.RawMessage `json:"content,omitempty"`

	SyncedHash string `json:"syncedHash,omitempty"`
}

// NewCourse returns an empty shell that is created remotely on first save.
func NewCourse(title string) Course {
	return Course{
		Identity: NewPendingIdentity(),
		Title:    title,
		Modules:  []Module{},
	}
}

func (c Course) Clone() Course {
	out := c
	out.Modules = make([]Module, len(c.Modules))
	for i, m := range c.Modules {
		out.Modules[i] = m.clone()
	}
	return out
}

func (m Module) clone() Module {
	out := m
	out.Lessons = make([]Lesson, len(m.Lessons))
	for i, l := range m.Lessons {
		out.Lessons[i] = l.clone()
	}
	return out
}

func (l Lesson) clone() Lesson {
	out := l
	out.DurationMinutes = cloneInt(l.DurationMinutes)
	out.MeasuredDurationSeconds = cloneInt(l.MeasuredDurationSeconds)
	if l.Content != nil {
		out.Content = append(json.RawMessage(nil), l.Content...)
	}
	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func (c *Course) moduleIndex(id string) int {
	for i := range c.Modules {
		if c.Modules[i].Identity.ID == id {
			return i
		}
	}
	return -1
}

func (m *Module) lessonIndex(id string) int {
	for i := range m.Lessons {
		if m.Lessons[i].Identity.ID == id {
			return i
		}
	}
	return -1
}

// FindModule returns the module with the given id, pending or confirmed.
func (c Course) FindModule(id string) (Module, bool) {
	if idx := c.moduleIndex(id); idx >= 0 {
		return c.Modules[idx], true
	}
	return Module{}, false
}

// FindLesson searches every module for the lesson.
func (c Course) FindLesson(id string) (Lesson, string, bool) {
	for i := range c.Modules {
		if idx := c.Modules[i].lessonIndex(id); idx >= 0 {
			return c.Modules[i].Lessons[idx], c.Modules[i].Identity.ID, true
		}
	}
	return Lesson{}, "", false
}

// CheckInvariants reports the first violation of dense ordering or identity
// validity in the document. Confirmed ids are unique per kind, since stores
// may key modules and lessons from separate sequences. Pending tags share one
// namespace across kinds.
func CheckInvariants(c Course) error {
	if err := c.Identity.Valid(); err != nil {
		return fmt.Errorf("course: %w", err)
	}
	modules := map[string]struct{}{}
	lessons := map[string]struct{}{}
	pending := map[string]struct{}{}
	claim := func(seen map[string]struct{}, ident Identity) error {
		if ident.IsPending() {
			seen = pending
		}
		if _, dup := seen[ident.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidDocument, ident.ID)
		}
		seen[ident.ID] = struct{}{}
		return nil
	}
	for i, m := range c.Modules {
		if err := m.Identity.Valid(); err != nil {
			return fmt.Errorf("module %d: %w", i, err)
		}
		if m.Position != i {
			return fmt.Errorf("%w: module %s at index %d has position %d", ErrInvalidDocument, m.Identity.ID, i, m.Position)
		}
		if err := claim(modules, m.Identity); err != nil {
			return err
		}
		for j, l := range m.Lessons {
			if err := l.Identity.Valid(); err != nil {
				return fmt.Errorf("lesson %d of module %s: %w", j, m.Identity.ID, err)
			}
			if l.Position != j {
				return fmt.Errorf("%w: lesson %s at index %d has position %d", ErrInvalidDocument, l.Identity.ID, j, l.Position)
			}
			if err := claim(lessons, l.Identity); err != nil {
				return err
			}
		}
	}
	return nil
}

func reindexModules(modules []Module) {
	for i := range modules {
		modules[i].Position = i
	}
}

func reindexLessons(lessons []Lesson) {
	for i := range lessons {
		lessons[i].Position = i
	}
}
