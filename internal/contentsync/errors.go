package contentsync

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
)

var (
	ErrRemoteWrite    = errors.New("remote write failed")
	ErrFetch          = errors.New("fetch failed")
	ErrNoDocument     = errors.New("no document loaded")
	ErrSaveInProgress = errors.New("save already in progress")
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// HTTPError is a non-2xx answer from the persistence API after retries.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == curriculum.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// RemoteWriteError identifies the single entity whose create, update or delete
// failed. Entities written before it keep their confirmed identities.
type RemoteWriteError struct {
	Op   Op
	Kind curriculum.EntityKind
	Key  string
	Err  error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Kind, e.Key, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

func (e *RemoteWriteError) Is(target error) bool {
	return target == ErrRemoteWrite
}

type FetchError struct {
	CourseID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("load course %s: %v", e.CourseID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}
