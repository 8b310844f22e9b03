package curriculum

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is a single document mutation. Actions are applied through Reduce so
// dense ordering and identity rules are enforced in one place.
type Action interface {
	apply(c *Course) error
}

// Reduce applies action to a copy of c. On error the original document is
// returned untouched.
func Reduce(c Course, action Action) (Course, error) {
	if action == nil {
		return c, fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	next := c.Clone()
	if err := action.apply(&next); err != nil {
		return c, err
	}
	return next, nil
}

type CoursePatch struct {
	Title       *string
	Description *string
	Category    *Category
	Level       *Level
	Price       *float64
	Active      *bool
}

type ModulePatch struct {
	Title       *string
	Description *string
}

type LessonPatch struct {
	Title           *string
	Description     *string
	Type            *LessonType
	DurationMinutes *int
	FreePreview     *bool
	VideoAssetID    *string
	PosterURL       *string
	ThumbnailURL    *string
	Markdown        *string
	Content         *json.RawMessage
}

type AddModule struct {
	Identity    Identity
	Title       string
	Description string
}

func (a AddModule) apply(c *Course) error {
	if err := requirePendingNew(c, a.Identity); err != nil {
		return err
	}
	c.Modules = append(c.Modules, Module{
		Identity:    a.Identity,
		Title:       a.Title,
		Description: a.Description,
		Position:    len(c.Modules),
		Lessons:     []Lesson{},
	})
	return nil
}

type AddLesson struct {
	ModuleID string
	Identity Identity
	Title    string
	Type     LessonType
}

func (a AddLesson) apply(c *Course) error {
	idx := c.moduleIndex(a.ModuleID)
	if idx < 0 {
		return fmt.Errorf("%w: module %s", ErrNotFound, a.ModuleID)
	}
	if err := requirePendingNew(c, a.Identity); err != nil {
		return err
	}
	lessonType := a.Type
	if lessonType == "" {
		lessonType = LessonVideo
	}
	m := &c.Modules[idx]
	m.Lessons = append(m.Lessons, Lesson{
		Identity: a.Identity,
		Title:    a.Title,
		Type:     lessonType,
		Position: len(m.Lessons),
	})
	return nil
}

type UpdateCourse struct {
	Patch CoursePatch
}

func (a UpdateCourse) apply(c *Course) error {
	p := a.Patch
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.Level != nil {
		c.Level = *p.Level
	}
	if p.Price != nil {
		c.Price = *p.Price
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	return nil
}

type UpdateModule struct {
	ModuleID string
	Patch    ModulePatch
}

func (a UpdateModule) apply(c *Course) error {
	idx := c.moduleIndex(a.ModuleID)
	if idx < 0 {
		return fmt.Errorf("%w: module %s", ErrNotFound, a.ModuleID)
	}
	m := &c.Modules[idx]
	if a.Patch.Title != nil {
		m.Title = *a.Patch.Title
	}
	if a.Patch.Description != nil {
		m.Description = *a.Patch.Description
	}
	return nil
}

type UpdateLesson struct {
	LessonID string
	Patch    LessonPatch
}

func (a UpdateLesson) apply(c *Course) error {
	l := c.lessonRef(a.LessonID)
	if l == nil {
		return fmt.Errorf("%w: lesson %s", ErrNotFound, a.LessonID)
	}
	p := a.Patch
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.Type != nil {
		l.Type = *p.Type
	}
	if p.DurationMinutes != nil {
		l.DurationMinutes = cloneInt(p.DurationMinutes)
	}
	if p.FreePreview != nil {
		l.FreePreview = *p.FreePreview
	}
	if p.VideoAssetID != nil {
		l.VideoAssetID = *p.VideoAssetID
	}
	if p.PosterURL != nil {
		l.PosterURL = *p.PosterURL
	}
	if p.ThumbnailURL != nil {
		l.ThumbnailURL = *p.ThumbnailURL
	}
	if p.Markdown != nil {
		l.Markdown = *p.Markdown
	}
	if p.Content != nil {
		l.Content = append(json.RawMessage(nil), (*p.Content)...)
	}
	return nil
}

type RemoveModule struct {
	ModuleID string
}

func (a RemoveModule) apply(c *Course) error {
	idx := c.moduleIndex(a.ModuleID)
	if idx < 0 {
		return fmt.Errorf("%w: module %s", ErrNotFound, a.ModuleID)
	}
	c.Modules = append(c.Modules[:idx], c.Modules[idx+1:]...)
	reindexModules(c.Modules)
	return nil
}

type RemoveLesson struct {
	ModuleID string
	LessonID string
}

func (a RemoveLesson) apply(c *Course) error {
	mIdx := c.moduleIndex(a.ModuleID)
	if mIdx < 0 {
		return fmt.Errorf("%w: module %s", ErrNotFound, a.ModuleID)
	}
	m := &c.Modules[mIdx]
	lIdx := m.lessonIndex(a.LessonID)
	if lIdx < 0 {
		return fmt.Errorf("%w: lesson %s in module %s", ErrNotFound, a.LessonID, a.ModuleID)
	}
	m.Lessons = append(m.Lessons[:lIdx], m.Lessons[lIdx+1:]...)
	reindexLessons(m.Lessons)
	return nil
}

// Confirm swaps a Pending identity for the server-issued one and records the
// hash of the payload the store acknowledged.
type Confirm struct {
	Kind       EntityKind
	PendingID  string
	ServerID   string
	SyncedHash string
}

func (a Confirm) apply(c *Course) error {
	serverID := strings.TrimSpace(a.ServerID)
	if serverID == "" {
		return fmt.Errorf("%w: empty server id for %s %s", ErrInvalidAction, a.Kind, a.PendingID)
	}
	ident, hash, err := c.identityRef(a.Kind, a.PendingID)
	if err != nil {
		return err
	}
	if !ident.IsPending() {
		return fmt.Errorf("%w: %s %s is already confirmed", ErrInvalidAction, a.Kind, a.PendingID)
	}
	*ident = Confirmed(serverID)
	*hash = a.SyncedHash
	return nil
}

// MarkSynced records that a Confirmed entity's current payload was accepted.
type MarkSynced struct {
	Kind       EntityKind
	ID         string
	SyncedHash string
}

func (a MarkSynced) apply(c *Course) error {
	ident, hash, err := c.identityRef(a.Kind, a.ID)
	if err != nil {
		return err
	}
	if !ident.IsConfirmed() {
		return fmt.Errorf("%w: %s %s is still pending", ErrInvalidAction, a.Kind, a.ID)
	}
	*hash = a.SyncedHash
	return nil
}

// ApplyMediaProcessed stores the measured duration on every lesson that
// references the media asset. Lessons without the asset are untouched.
type ApplyMediaProcessed struct {
	MediaID         string
	DurationSeconds int
}

func (a ApplyMediaProcessed) apply(c *Course) error {
	if strings.TrimSpace(a.MediaID) == "" {
		return fmt.Errorf("%w: empty media id", ErrInvalidAction)
	}
	for i := range c.Modules {
		for j := range c.Modules[i].Lessons {
			l := &c.Modules[i].Lessons[j]
			if l.VideoAssetID != a.MediaID {
				continue
			}
			seconds := a.DurationSeconds
			l.MeasuredDurationSeconds = &seconds
		}
	}
	return nil
}

func (c *Course) lessonRef(id string) *Lesson {
	for i := range c.Modules {
		if idx := c.Modules[i].lessonIndex(id); idx >= 0 {
			return &c.Modules[i].Lessons[idx]
		}
	}
	return nil
}

func (c *Course) identityRef(kind EntityKind, id string) (*Identity, *string, error) {
	switch kind {
	case KindCourse:
		if c.Identity.ID != id {
			return nil, nil, fmt.Errorf("%w: course %s", ErrNotFound, id)
		}
		return &c.Identity, &c.SyncedHash, nil
	case KindModule:
		idx := c.moduleIndex(id)
		if idx < 0 {
			return nil, nil, fmt.Errorf("%w: module %s", ErrNotFound, id)
		}
		return &c.Modules[idx].Identity, &c.Modules[idx].SyncedHash, nil
	case KindLesson:
		l := c.lessonRef(id)
		if l == nil {
			return nil, nil, fmt.Errorf("%w: lesson %s", ErrNotFound, id)
		}
		return &l.Identity, &l.SyncedHash, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidAction, kind)
	}
}

func requirePendingNew(c *Course, ident Identity) error {
	if err := ident.Valid(); err != nil {
		return err
	}
	if !ident.IsPending() {
		return fmt.Errorf("%w: new entities start pending", ErrInvalidAction)
	}
	if c.moduleIndex(ident.ID) >= 0 || c.lessonRef(ident.ID) != nil {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidAction, ident.ID)
	}
	return nil
}
