package security

import (
	"fmt"
	"strings"
)

// Level is the permission tier declared by a plugin.
type Level int

const (
	LevelReadonly Level = iota
	LevelBasic
	LevelAdvanced
	LevelAdmin
)

var levelName = [...]string{"readonly", "basic", "advanced", "admin"}

func (l Level) String() string {
	if l < LevelReadonly || l > LevelAdmin {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelName[l]
}

// ParseLevel parses a level name, the empty string means basic.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return LevelBasic, nil
	}
	for i, v := range levelName {
		if strings.EqualFold(v, s) {
			return Level(i), nil
		}
	}
	return LevelBasic, fmt.Errorf("unknown permission level %q", s)
}

// Capability is one grant of the injected surface.
type Capability string

const (
	CapRead     Capability = "read"
	CapWrite    Capability = "write"
	CapNetwork  Capability = "network"
	CapDatabase Capability = "database"
	CapSystem   Capability = "system"
)

// Set is an ordered capability set.
type Set []Capability

func (s Set) Has(c Capability) bool {
	for _, v := range s {
		if v == c {
			return true
		}
	}
	return false
}

func (s Set) Strings() []string {
	ret := make([]string, len(s))
	for i, v := range s {
		ret[i] = string(v)
	}
	return ret
}

// ForLevel returns the capability set granted to level.
func ForLevel(l Level) Set {
	switch l {
	case LevelReadonly:
		return Set{CapRead}
	case LevelBasic:
		return Set{CapRead, CapWrite}
	case LevelAdvanced:
		return Set{CapRead, CapWrite, CapNetwork, CapDatabase}
	case LevelAdmin:
		return Set{CapRead, CapWrite, CapNetwork, CapDatabase, CapSystem}
	}
	return Set{}
}
