package curriculum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CoursePayload is the write shape sent to the persistence API for a course
// header. Modules are persisted separately.
type CoursePayload struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Category    Category `json:"category,omitempty" validate:"omitempty,oneof=business technology finance leadership marketing wellness creative other"`
	Level       Level    `json:"level,omitempty" validate:"omitempty,oneof=beginner intermediate advanced all-levels"`
	Price       float64  `json:"price" validate:"min=0"`
	Active      bool     `json:"is_active"`
}

// ModulePayload deliberately has no course reference: the parent travels in
// the request path and is not part of the change hash.
type ModulePayload struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	Position    int    `json:"order_index" validate:"min=0"`
}

type LessonPayload struct {
	Title           string          `json:"title" validate:"required,max=200"`
	Description     string          `json:"description,omitempty" validate:"max=5000"`
	Type            LessonType      `json:"lesson_type" validate:"required,oneof=video reading quiz audio"`
	Position        int             `json:"order_index" validate:"min=0"`
	DurationMinutes *int            `json:"duration_minutes,omitempty" validate:"omitempty,min=0"`
	FreePreview     bool            `json:"is_free_preview"`
	VideoAssetID    string          `json:"video_asset_id,omitempty"`
	PosterURL       string          `json:"poster_url,omitempty" validate:"omitempty,url"`
	ThumbnailURL    string          `json:"thumbnail_url,omitempty" validate:"omitempty,url"`
	Markdown        string          `json:"content_md,omitempty"`
	Content         json.RawMessage `json:"content_json,omitempty"`
}

func (c Course) Payload() CoursePayload {
	return CoursePayload{
		Title:       c.Title,
		Description: c.Description,
		Category:    c.Category,
		Level:       c.Level,
		Price:       c.Price,
		Active:      c.Active,
	}
}

func (m Module) Payload() ModulePayload {
	return ModulePayload{
		Title:       m.Title,
		Description: m.Description,
		Position:    m.Position,
	}
}

func (l Lesson) Payload() LessonPayload {
	return LessonPayload{
		Title:           l.Title,
		Description:     l.Description,
		Type:            l.Type,
		Position:        l.Position,
		DurationMinutes: cloneInt(l.DurationMinutes),
		FreePreview:     l.FreePreview,
		VideoAssetID:    l.VideoAssetID,
		PosterURL:       l.PosterURL,
		ThumbnailURL:    l.ThumbnailURL,
		Markdown:        l.Markdown,
		Content:         compactJSON(l.Content),
	}
}

// PayloadHash fingerprints a write payload. Two payloads with the same hash
// produce the same remote state.
func PayloadHash(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Dirty reports whether a Confirmed entity's payload differs from the last one
// the store acknowledged. Pending entities are always dirty.
func Dirty(ident Identity, syncedHash, currentHash string) bool {
	if ident.IsPending() {
		return true
	}
	return syncedHash == "" || syncedHash != currentHash
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
