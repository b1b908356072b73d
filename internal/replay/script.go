// Package replay drives a session from a recorded script of remote events.
//
// A script is YAML:
//
//	events:
//	  - op: open
//	    buffer: 1
//	    path: main.go
//	  - op: patch
//	    buffer: 1
//	    positions:
//	      - {start: 8, end: 12, text: cosync}
//	    md5: 5d41402abc4b2a76b9719d911017c592
//	  - op: highlight
//	    path: main.go
//	    user_id: 2
//	    username: alice
//	    force: true
//	    ranges: [[0, 7]]
//
// Events run in script order through the session's mutation queue.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Operations understood by the player.
const (
	OpOpen            = "open"
	OpPatch           = "patch"
	OpHighlight       = "highlight"
	OpRemoveUser      = "remove_user"
	OpClearHighlights = "clear_highlights"
	OpSave            = "save"
	OpSetText         = "set_text"
	OpSetReadOnly     = "set_read_only"
	OpClose           = "close"
)

// ErrInvalidScript is wrapped by every script validation error.
var ErrInvalidScript = errors.New("invalid replay script")

// Position is one patch position.
type Position struct {
	Start int    `yaml:"start"`
	End   int    `yaml:"end"`
	Text  string `yaml:"text"`
}

// Event is one recorded remote event.
type Event struct {
	Op        string     `yaml:"op"`
	Buffer    int        `yaml:"buffer,omitempty"`
	Path      string     `yaml:"path,omitempty"`
	Positions []Position `yaml:"positions,omitempty"`
	// MD5 is the expected hex digest of the text after a patch.
	MD5      string  `yaml:"md5,omitempty"`
	UserID   int     `yaml:"user_id,omitempty"`
	Username string  `yaml:"username,omitempty"`
	Force    bool    `yaml:"force,omitempty"`
	Ranges   [][]int `yaml:"ranges,omitempty"`
	Text     string  `yaml:"text,omitempty"`
	ReadOnly bool    `yaml:"read_only,omitempty"`
}

// Script is an ordered list of events.
type Script struct {
	Events []Event `yaml:"events"`
}

// Parse decodes and validates a script.
func Parse(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Script
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return &s, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a script file.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Validate checks that every event carries what its operation needs.
func (s *Script) Validate() error {
	for i, ev := range s.Events {
		if err := ev.validate(); err != nil {
			return fmt.Errorf("%w: event %d (%s): %v", ErrInvalidScript, i, ev.Op, err)
		}
	}
	return nil
}

func (ev Event) validate() error {
	switch ev.Op {
	case OpOpen:
		if ev.Path == "" {
			return errors.New("path is required")
		}
	case OpPatch:
		if len(ev.Positions) == 0 {
			return errors.New("positions are required")
		}
	case OpHighlight:
		if ev.Path == "" {
			return errors.New("path is required")
		}
		for _, r := range ev.Ranges {
			if len(r) != 2 {
				return fmt.Errorf("range %v must be [start, end]", r)
			}
		}
	case OpRemoveUser, OpClearHighlights, OpSave, OpSetText, OpSetReadOnly, OpClose:
	case "":
		return errors.New("op is required")
	default:
		return fmt.Errorf("unknown op %q", ev.Op)
	}
	return nil
}
