package roastlog

import "errors"

var (
	// ErrNotRunning is returned by SampleNow when the timer is not running.
	ErrNotRunning = errors.New("roastlog: timer not running")

	// ErrNoActiveRoast is returned when marking a crack with no roast in progress.
	ErrNoActiveRoast = errors.New("roastlog: no active roast")

	// ErrCrackAlreadyMarked is returned when a crack is marked twice in one roast.
	ErrCrackAlreadyMarked = errors.New("roastlog: crack already marked")

	// ErrInvalidCrack is returned for a crack kind other than first or second.
	ErrInvalidCrack = errors.New("roastlog: invalid crack kind")

	// ErrRoastNotFound is returned when a roast ID does not exist.
	ErrRoastNotFound = errors.New("roastlog: roast not found")
)
