package persona

import "errors"

var (
	// ErrNoPatternSets is returned when a blueprint build is given no evidence.
	ErrNoPatternSets = errors.New("no pattern sets supplied")

	// ErrUnknownConstruct is returned for a construct id the registry does not know.
	ErrUnknownConstruct = errors.New("unknown construct")

	ErrBlueprintNotFound = errors.New("blueprint not found")

	// ErrSessionLocked is returned when a session is already bound to a
	// different persona.
	ErrSessionLocked = errors.New("session locked to another persona")

	ErrLockNotHeld = errors.New("context lock not held")
)
