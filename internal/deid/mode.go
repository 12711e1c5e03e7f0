package deid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMode is returned for a scrubbing mode outside the closed set.
var ErrUnknownMode = errors.New("unknown scrubbing mode")

// Mode selects a scrubbing strategy.
type Mode int

const (
	ModeRemove Mode = iota + 1
	ModeMask
	ModeHash
	ModeAnonymize
)

// Modes lists every supported mode.
var Modes = []Mode{ModeRemove, ModeMask, ModeHash, ModeAnonymize}

func (m Mode) String() string {
	switch m {
	case ModeRemove:
		return "remove"
	case ModeMask:
		return "mask"
	case ModeHash:
		return "hash"
	case ModeAnonymize:
		return "anonymize"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the four strategies.
func (m Mode) Valid() bool {
	return m >= ModeRemove && m <= ModeAnonymize
}

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remove":
		return ModeRemove, nil
	case "mask":
		return ModeMask, nil
	case "hash":
		return ModeHash, nil
	case "anonymize":
		return ModeAnonymize, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}
