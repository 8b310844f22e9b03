package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

type courseRow struct {
	ID             string  `gorm:"primaryKey;size:64"`
	IdempotencyKey *string `gorm:"uniqueIndex;size:128"`
	Title          string  `gorm:"not null"`
	Description    string
	Category       string `gorm:"size:32"`
	Level          string `gorm:"size:32"`
	Price          float64
	Active         bool
	Modules        []moduleRow `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE;"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (courseRow) TableName() string { return "courses" }

type moduleRow struct {
	ID             string  `gorm:"primaryKey;size:64"`
	CourseID       string  `gorm:"index;not null;size:64"`
	IdempotencyKey *string `gorm:"uniqueIndex;size:128"`
	Title          string  `gorm:"not null"`
	Description    string
	OrderIndex     int         `gorm:"not null;default:0"`
	Lessons        []lessonRow `gorm:"foreignKey:ModuleID;constraint:OnDelete:CASCADE;"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (moduleRow) TableName() string { return "course_modules" }

type lessonRow struct {
	ID              string  `gorm:"primaryKey;size:64"`
	ModuleID        string  `gorm:"index;not null;size:64"`
	IdempotencyKey  *string `gorm:"uniqueIndex;size:128"`
	Title           string  `gorm:"not null"`
	Description     string
	LessonType      string `gorm:"size:16;not null"`
	OrderIndex      int    `gorm:"not null;default:0"`
	DurationMinutes *int
	FreePreview     bool
	VideoAssetID    string `gorm:"index;size:64"`
	PosterURL       string
	ThumbnailURL    string
	DurationSeconds *int
	ContentMD       string `gorm:"column:content_md"`
	ContentJSON     []byte `gorm:"column:content_json;type:jsonb"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (lessonRow) TableName() string { return "lessons" }

type mediaRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	OwnerID         string `gorm:"index;size:128"`
	Title           string
	Origin          string
	ContentType     string `gorm:"size:128"`
	SizeBytes       int64
	ObjectKey       string
	Status          string `gorm:"size:16;not null"`
	DurationSeconds *int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (mediaRow) TableName() string { return "media_assets" }

// GormStore keeps the catalog in Postgres.
type GormStore struct {
	db *gorm.DB
}

func OpenGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect catalog database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the catalog tables on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&courseRow{}, &moduleRow{}, &lessonRow{}, &mediaRow{}); err != nil {
		return nil, fmt.Errorf("migrate catalog tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) GetCourse(ctx context.Context, id string) (Course, error) {
	var row courseRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return Course{}, notFound("course", id, err)
	}
	return row.toCourse(), nil
}

func (s *GormStore) CreateCourse(ctx context.Context, key string, in curriculum.CoursePayload) (Course, error) {
	var row courseRow
	if found, err := s.byKey(ctx, key, &row); err != nil || found {
		return row.toCourse(), err
	}
	var c Course
	courseFromPayload(&c, in)
	row = courseRow{
		ID:             newID("crs"),
		IdempotencyKey: keyPtr(key),
		Title:          c.Title,
		Description:    c.Description,
		Category:       c.Category,
		Level:          c.Level,
		Price:          c.Price,
		Active:         c.Active,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Course{}, fmt.Errorf("create course: %w", err)
	}
	return row.toCourse(), nil
}

func (s *GormStore) UpdateCourse(ctx context.Context, id string, in curriculum.CoursePayload) (Course, error) {
	var row courseRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound("course", id, err)
		}
		c := row.toCourse()
		courseFromPayload(&c, in)
		return tx.Model(&row).Updates(map[string]any{
			"title":       c.Title,
			"description": c.Description,
			"category":    c.Category,
			"level":       c.Level,
			"price":       c.Price,
			"active":      c.Active,
		}).Error
	})
	if err != nil {
		return Course{}, err
	}
	return s.GetCourse(ctx, id)
}

func (s *GormStore) ListModules(ctx context.Context, courseID string) ([]Module, error) {
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	var rows []moduleRow
	if err := s.db.WithContext(ctx).Where("course_id = ?", courseID).Order("order_index, created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	out := make([]Module, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModule())
	}
	return out, nil
}

func (s *GormStore) CreateModule(ctx context.Context, courseID, key string, in curriculum.ModulePayload) (Module, error) {
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return Module{}, err
	}
	var row moduleRow
	if found, err := s.byKey(ctx, key, &row); err != nil || found {
		return row.toModule(), err
	}
	var m Module
	moduleFromPayload(&m, in)
	row = moduleRow{
		ID:             newID("mod"),
		CourseID:       courseID,
		IdempotencyKey: keyPtr(key),
		Title:          m.Title,
		Description:    m.Description,
		OrderIndex:     m.OrderIndex,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Module{}, fmt.Errorf("create module: %w", err)
	}
	return row.toModule(), nil
}

func (s *GormStore) UpdateModule(ctx context.Context, id string, in curriculum.ModulePayload) (Module, error) {
	var row moduleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return Module{}, notFound("module", id, err)
	}
	m := row.toModule()
	moduleFromPayload(&m, in)
	err := s.db.WithContext(ctx).Model(&row).Updates(map[string]any{
		"title":       m.Title,
		"description": m.Description,
		"order_index": m.OrderIndex,
	}).Error
	if err != nil {
		return Module{}, fmt.Errorf("update module: %w", err)
	}
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return Module{}, notFound("module", id, err)
	}
	return row.toModule(), nil
}

// DeleteModule deletes lessons explicitly so the cascade holds even on tables
// migrated without foreign keys.
func (s *GormStore) DeleteModule(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("module_id = ?", id).Delete(&lessonRow{}).Error; err != nil {
			return fmt.Errorf("delete module lessons: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&moduleRow{})
		if res.Error != nil {
			return fmt.Errorf("delete module: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("module %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *GormStore) ListLessons(ctx context.Context, moduleID string) ([]Lesson, error) {
	var parent moduleRow
	if err := s.db.WithContext(ctx).Select("id").First(&parent, "id = ?", moduleID).Error; err != nil {
		return nil, notFound("module", moduleID, err)
	}
	var rows []lessonRow
	if err := s.db.WithContext(ctx).Where("module_id = ?", moduleID).Order("order_index, created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	out := make([]Lesson, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLesson())
	}
	return out, nil
}

func (s *GormStore) CreateLesson(ctx context.Context, moduleID, key string, in curriculum.LessonPayload) (Lesson, error) {
	var parent moduleRow
	if err := s.db.WithContext(ctx).Select("id").First(&parent, "id = ?", moduleID).Error; err != nil {
		return Lesson{}, notFound("module", moduleID, err)
	}
	var row lessonRow
	if found, err := s.byKey(ctx, key, &row); err != nil || found {
		return row.toLesson(), err
	}
	l := Lesson{ID: newID("les"), ModuleID: moduleID}
	lessonFromPayload(&l, in)
	if err := s.applyKnownDuration(ctx, &l); err != nil {
		return Lesson{}, err
	}
	row = lessonRowFrom(l)
	row.IdempotencyKey = keyPtr(key)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Lesson{}, fmt.Errorf("create lesson: %w", err)
	}
	return row.toLesson(), nil
}

func (s *GormStore) UpdateLesson(ctx context.Context, id string, in curriculum.LessonPayload) (Lesson, error) {
	var row lessonRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return Lesson{}, notFound("lesson", id, err)
	}
	l := row.toLesson()
	lessonFromPayload(&l, in)
	if err := s.applyKnownDuration(ctx, &l); err != nil {
		return Lesson{}, err
	}
	next := lessonRowFrom(l)
	next.IdempotencyKey = row.IdempotencyKey
	next.CreatedAt = row.CreatedAt
	if err := s.db.WithContext(ctx).Save(&next).Error; err != nil {
		return Lesson{}, fmt.Errorf("update lesson: %w", err)
	}
	return next.toLesson(), nil
}

func (s *GormStore) DeleteLesson(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&lessonRow{})
	if res.Error != nil {
		return fmt.Errorf("delete lesson: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lesson %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) CreateMedia(ctx context.Context, m Media) (Media, error) {
	if m.ID == "" {
		m.ID = NewMediaID()
	}
	if m.Status == "" {
		m.Status = MediaPending
	}
	if !validMediaStatus(m.Status) {
		return Media{}, fmt.Errorf("media status %q: %w", m.Status, ErrInvalidInput)
	}
	row := mediaRow{
		ID:              m.ID,
		OwnerID:         m.OwnerID,
		Title:           m.Title,
		Origin:          m.Origin,
		ContentType:     m.ContentType,
		SizeBytes:       m.SizeBytes,
		ObjectKey:       m.ObjectKey,
		Status:          m.Status,
		DurationSeconds: cloneInt(m.DurationSeconds),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Media{}, fmt.Errorf("create media: %w", err)
	}
	return row.toMedia(), nil
}

func (s *GormStore) GetMedia(ctx context.Context, id string) (Media, error) {
	var row mediaRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return Media{}, notFound("media", id, err)
	}
	return row.toMedia(), nil
}

func (s *GormStore) SetMediaStatus(ctx context.Context, id, status string, durationSeconds *int) (Media, error) {
	if !validMediaStatus(status) {
		return Media{}, fmt.Errorf("media status %q: %w", status, ErrInvalidInput)
	}
	var row mediaRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound("media", id, err)
		}
		updates := map[string]any{"status": status}
		if durationSeconds != nil {
			updates["duration_seconds"] = *durationSeconds
		}
		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return err
		}
		if durationSeconds != nil {
			row.DurationSeconds = cloneInt(durationSeconds)
		}
		if row.DurationSeconds == nil {
			return nil
		}
		return tx.Model(&lessonRow{}).Where("video_asset_id = ?", id).
			Update("duration_seconds", *row.DurationSeconds).Error
	})
	if err != nil {
		return Media{}, err
	}
	return s.GetMedia(ctx, id)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) applyKnownDuration(ctx context.Context, l *Lesson) error {
	if l.VideoAssetID == "" {
		return nil
	}
	var media mediaRow
	err := s.db.WithContext(ctx).First(&media, "id = ?", l.VideoAssetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup media %s: %w", l.VideoAssetID, err)
	}
	if media.DurationSeconds != nil {
		l.DurationSeconds = cloneInt(media.DurationSeconds)
	}
	return nil
}

// byKey loads the row a previous create stored under key.
func (s *GormStore) byKey(ctx context.Context, key string, dest any) (bool, error) {
	if key == "" {
		return false, nil
	}
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return true, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

func keyPtr(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func (r courseRow) toCourse() Course {
	return Course{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Level:       r.Level,
		Price:       r.Price,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r moduleRow) toModule() Module {
	return Module{
		ID:          r.ID,
		CourseID:    r.CourseID,
		Title:       r.Title,
		Description: r.Description,
		OrderIndex:  r.OrderIndex,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func lessonRowFrom(l Lesson) lessonRow {
	row := lessonRow{
		ID:              l.ID,
		ModuleID:        l.ModuleID,
		Title:           l.Title,
		Description:     l.Description,
		LessonType:      l.LessonType,
		OrderIndex:      l.OrderIndex,
		DurationMinutes: cloneInt(l.DurationMinutes),
		FreePreview:     l.FreePreview,
		VideoAssetID:    l.VideoAssetID,
		PosterURL:       l.PosterURL,
		ThumbnailURL:    l.ThumbnailURL,
		DurationSeconds: cloneInt(l.DurationSeconds),
		ContentMD:       l.ContentMD,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
	if len(l.ContentJSON) > 0 {
		row.ContentJSON = []byte(l.ContentJSON)
	}
	return row
}

func (r lessonRow) toLesson() Lesson {
	l := Lesson{
		ID:              r.ID,
		ModuleID:        r.ModuleID,
		Title:           r.Title,
		Description:     r.Description,
		LessonType:      r.LessonType,
		OrderIndex:      r.OrderIndex,
		DurationMinutes: r.DurationMinutes,
		FreePreview:     r.FreePreview,
		VideoAssetID:    r.VideoAssetID,
		PosterURL:       r.PosterURL,
		ThumbnailURL:    r.ThumbnailURL,
		DurationSeconds: r.DurationSeconds,
		ContentMD:       r.ContentMD,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.ContentJSON) > 0 {
		l.ContentJSON = json.RawMessage(r.ContentJSON)
	}
	return l
}

func (r mediaRow) toMedia() Media {
	return Media{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Title:           r.Title,
		Origin:          r.Origin,
		ContentType:     r.ContentType,
		SizeBytes:       r.SizeBytes,
		ObjectKey:       r.ObjectKey,
		Status:          r.Status,
		DurationSeconds: r.DurationSeconds,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
