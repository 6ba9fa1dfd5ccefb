// Package identity verifies that the face driving the chair belongs to an
// enrolled user.
package identity

import (
	"errors"
	"time"
)

// ErrClosed means the verifier has been shut down.
var ErrClosed = errors.New("identity: verifier closed")

// Identity is one verification result. UserID is empty when no enrolled
// user matched; Distance is the embedding distance to the nearest enrolled
// user either way. The zero Identity means no face was found.
type Identity struct {
	UserID   string
	Distance float64
	SeenAt   time.Time
}

// Authorized reports whether the face matched an enrolled user.
func (id Identity) Authorized() bool { return id.UserID != "" }

// Verifier matches a JPEG frame against the enrolled user gallery. A frame
// without exactly one face yields the zero Identity and a nil error; only
// infrastructure failures are errors.
type Verifier interface {
	Identify(jpeg []byte) (Identity, error)
	Close() error
}
