package memory

import "errors"

var (
	// ErrNotFound is returned when a profile, session or memory does not exist
	// within the requested scope.
	ErrNotFound = errors.New("memory: not found")

	// ErrLastProfile prevents deleting an owner's only profile.
	ErrLastProfile = errors.New("memory: cannot delete the last profile")

	ErrDuplicateProfileName = errors.New("memory: profile name already exists")

	// ErrProfileIsolation signals an attempt to touch memories of a profile
	// other than the one bound to the session.
	ErrProfileIsolation = errors.New("memory: profile isolation violation")
)
