package staging

import "errors"

var (
	// ErrNotFound is returned when a stage id has no stored entry.
	ErrNotFound = errors.New("staging entry not found")

	// ErrAlreadyStored is returned on a second store for the same stage id.
	// The first store wins.
	ErrAlreadyStored = errors.New("staging entry already stored")

	// ErrAccessDenied is returned when the requester holds no grant for
	// the entry.
	ErrAccessDenied = errors.New("staging access denied")
)
