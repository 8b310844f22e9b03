package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	courses map[string]Course
	modules map[string]Module
	lessons map[string]Lesson
	media   map[string]Media
	// idempotency key -> resource id, per resource kind
	keys map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		courses: map[string]Course{},
		modules: map[string]Module{},
		lessons: map[string]Lesson{},
		media:   map[string]Media{},
		keys:    map[string]string{},
	}
}

func (s *MemoryStore) GetCourse(_ context.Context, id string) (Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) CreateCourse(_ context.Context, key string, in curriculum.CoursePayload) (Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.replay("course", key); ok {
		if existing, found := s.courses[id]; found {
			return existing, nil
		}
	}
	now := s.now()
	c := Course{ID: newID("crs"), CreatedAt: now, UpdatedAt: now}
	courseFromPayload(&c, in)
	s.courses[c.ID] = c
	s.remember("course", key, c.ID)
	return c, nil
}

func (s *MemoryStore) UpdateCourse(_ context.Context, id string, in curriculum.CoursePayload) (Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	courseFromPayload(&c, in)
	c.UpdatedAt = s.now()
	s.courses[id] = c
	return c, nil
}

func (s *MemoryStore) ListModules(_ context.Context, courseID string) ([]Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.courses[courseID]; !ok {
		return nil, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	out := make([]Module, 0)
	for _, m := range s.modules {
		if m.CourseID == courseID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateModule(_ context.Context, courseID, key string, in curriculum.ModulePayload) (Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.courses[courseID]; !ok {
		return Module{}, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	if id, ok := s.replay("module", key); ok {
		if existing, found := s.modules[id]; found {
			return existing, nil
		}
	}
	now := s.now()
	m := Module{ID: newID("mod"), CourseID: courseID, CreatedAt: now, UpdatedAt: now}
	moduleFromPayload(&m, in)
	s.modules[m.ID] = m
	s.remember("module", key, m.ID)
	return m, nil
}

func (s *MemoryStore) UpdateModule(_ context.Context, id string, in curriculum.ModulePayload) (Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return Module{}, fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	moduleFromPayload(&m, in)
	m.UpdatedAt = s.now()
	s.modules[id] = m
	return m, nil
}

func (s *MemoryStore) DeleteModule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; !ok {
		return fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	delete(s.modules, id)
	for lid, l := range s.lessons {
		if l.ModuleID == id {
			delete(s.lessons, lid)
		}
	}
	return nil
}

func (s *MemoryStore) ListLessons(_ context.Context, moduleID string) ([]Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[moduleID]; !ok {
		return nil, fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	out := make([]Lesson, 0)
	for _, l := range s.lessons {
		if l.ModuleID == moduleID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateLesson(_ context.Context, moduleID, key string, in curriculum.LessonPayload) (Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[moduleID]; !ok {
		return Lesson{}, fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	if id, ok := s.replay("lesson", key); ok {
		if existing, found := s.lessons[id]; found {
			return existing, nil
		}
	}
	now := s.now()
	l := Lesson{ID: newID("les"), ModuleID: moduleID, CreatedAt: now, UpdatedAt: now}
	lessonFromPayload(&l, in)
	s.applyKnownDuration(&l)
	s.lessons[l.ID] = l
	s.remember("lesson", key, l.ID)
	return l, nil
}

func (s *MemoryStore) UpdateLesson(_ context.Context, id string, in curriculum.LessonPayload) (Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lessons[id]
	if !ok {
		return Lesson{}, fmt.Errorf("lesson %s: %w", id, ErrNotFound)
	}
	lessonFromPayload(&l, in)
	s.applyKnownDuration(&l)
	l.UpdatedAt = s.now()
	s.lessons[id] = l
	return l, nil
}

func (s *MemoryStore) DeleteLesson(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lessons[id]; !ok {
		return fmt.Errorf("lesson %s: %w", id, ErrNotFound)
	}
	delete(s.lessons, id)
	return nil
}

func (s *MemoryStore) CreateMedia(_ context.Context, m Media) (Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = NewMediaID()
	}
	if m.Status == "" {
		m.Status = MediaPending
	}
	if !validMediaStatus(m.Status) {
		return Media{}, fmt.Errorf("media status %q: %w", m.Status, ErrInvalidInput)
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	s.media[m.ID] = m
	return m, nil
}

func (s *MemoryStore) GetMedia(_ context.Context, id string) (Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[id]
	if !ok {
		return Media{}, fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) SetMediaStatus(_ context.Context, id, status string, durationSeconds *int) (Media, error) {
	if !validMediaStatus(status) {
		return Media{}, fmt.Errorf("media status %q: %w", status, ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[id]
	if !ok {
		return Media{}, fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	m.Status = status
	if durationSeconds != nil {
		m.DurationSeconds = cloneInt(durationSeconds)
	}
	m.UpdatedAt = s.now()
	s.media[id] = m
	if m.DurationSeconds != nil {
		for lid, l := range s.lessons {
			if l.VideoAssetID == id {
				l.DurationSeconds = cloneInt(m.DurationSeconds)
				l.UpdatedAt = m.UpdatedAt
				s.lessons[lid] = l
			}
		}
	}
	return m, nil
}

func (s *MemoryStore) Close() error { return nil }

// applyKnownDuration copies the duration of already processed media onto a
// lesson that starts referencing it. Caller holds s.mu.
func (s *MemoryStore) applyKnownDuration(l *Lesson) {
	if l.VideoAssetID == "" {
		return
	}
	if m, ok := s.media[l.VideoAssetID]; ok && m.DurationSeconds != nil {
		l.DurationSeconds = cloneInt(m.DurationSeconds)
	}
}

func (s *MemoryStore) replay(kind, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	id, ok := s.keys[kind+":"+key]
	return id, ok
}

func (s *MemoryStore) remember(kind, key, id string) {
	if key != "" {
		s.keys[kind+":"+key] = id
	}
}
