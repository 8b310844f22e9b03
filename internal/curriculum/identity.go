package curriculum

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type IdentityState string

const (
	IdentityPending   IdentityState = "pending"
	IdentityConfirmed IdentityState = "confirmed"
)

// Identity is either Pending (a locally minted tag the store has never seen)
// or Confirmed (an identifier issued by the store). Callers switch on State and
// never on the shape of ID.
type Identity struct {
	State IdentityState `json:"state"`
	ID    string        `json:"id"`
}

func Pending(tag string) Identity {
	return Identity{State: IdentityPending, ID: strings.TrimSpace(tag)}
}

func Confirmed(id string) Identity {
	return Identity{State: IdentityConfirmed, ID: strings.TrimSpace(id)}
}

// NewPendingIdentity mints a fresh placeholder.
func NewPendingIdentity() Identity {
	return Pending("local_" + uuid.NewString())
}

func (i Identity) IsPending() bool   { return i.State == IdentityPending }
func (i Identity) IsConfirmed() bool { return i.State == IdentityConfirmed }

func (i Identity) Valid() error {
	if i.ID == "" {
		return fmt.Errorf("%w: identity has no id", ErrInvalidDocument)
	}
	switch i.State {
	case IdentityPending, IdentityConfirmed:
		return nil
	default:
		return fmt.Errorf("%w: unknown identity state %q", ErrInvalidDocument, i.State)
	}
}

func (i Identity) String() string {
	return string(i.State) + ":" + i.ID
}
