package draftstore

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

const draftVersion = 1

var (
	ErrInvalidDSN     = errors.New("invalid draft dsn")
	ErrLocked         = errors.New("draft is locked by another editor")
	ErrVersion        = errors.New("unsupported draft version")
	ErrNotImplemented = errors.New("not implemented")
)

// Draft is the author's in-progress document between process runs. Identity
// states and synced hashes are kept, so a save that failed half way resumes
// without re-creating confirmed entities.
type Draft struct {
	Version  int               `json:"version"`
	Document curriculum.Course `json:"document"`
	SavedAt  time.Time         `json:"savedAt"`
}

func NewDraft(doc curriculum.Course) *Draft {
	return &Draft{Version: draftVersion, Document: doc.Clone(), SavedAt: time.Now().UTC()}
}

// Backend stores one draft. Load returns nil, nil when nothing was saved yet.
type Backend interface {
	Load() (*Draft, error)
	Save(draft *Draft) error
	Close() error
}

type MemoryBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() (*Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return decodeDraft(b.snapshot)
}

func (b *MemoryBackend) Save(draft *Draft) error {
	if draft == nil {
		return nil
	}
	data, err := encodeDraft(draft)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func encodeDraft(draft *Draft) ([]byte, error) {
	out := *draft
	if out.Version == 0 {
		out.Version = draftVersion
	}
	if out.SavedAt.IsZero() {
		out.SavedAt = time.Now().UTC()
	}
	return json.MarshalIndent(out, "", "  ")
}

func decodeDraft(data []byte) (*Draft, error) {
	var draft Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, err
	}
	if draft.Version != draftVersion {
		return nil, ErrVersion
	}
	if draft.Document.Modules == nil {
		draft.Document.Modules = []curriculum.Module{}
	}
	return &draft, nil
}
