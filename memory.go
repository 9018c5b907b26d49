// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package edenbot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DreamArgs are the arguments of a dream command. The JSON names match the
// slash command option names.
type DreamArgs struct {
	TextInput   string `json:"text_input"`
	AspectRatio string `json:"aspect_ratio"`
	Large       bool   `json:"large"`
	Fast        bool   `json:"fast"`
}

// Dream is a remembered dream command, so it can be run again.
type Dream struct {
	ID         string
	Args       DreamArgs
	Started    time.Time
	LastUpdate time.Time

	_ struct{}
}

// Memory holds the dreams the bot can run again.
type Memory struct {
	mu     sync.Mutex
	dreams []*Dream
}

// Load loads previous memory.
func (m *Memory) Load(r io.Reader) error {
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	s := serializedMemory{}
	if err := d.Decode(&s); err != nil {
		slog.Error("memory", "action", "load", "error", err)
		return err
	}
	m.mu.Lock()
	err := s.to(m)
	l := len(m.dreams)
	m.mu.Unlock()
	if err != nil {
		slog.Error("memory", "action", "load", "error", err)
		return err
	}
	if len(s.Dreams) != l {
		return errors.New("internal error")
	}
	slog.Info("memory", "action", "load", "dreams", l)
	m.Forget()
	return nil
}

// Save saves the memory for later reuse.
func (m *Memory) Save(w io.Writer) error {
	m.Forget()
	s := serializedMemory{}
	m.mu.Lock()
	s.from(m)
	l := len(m.dreams)
	m.mu.Unlock()
	if err := json.NewEncoder(w).Encode(s); err != nil {
		slog.Error("memory", "action", "save", "error", err)
		return err
	}
	slog.Info("memory", "action", "save", "dreams", l)
	return nil
}

// Remember stores the arguments and returns a new ID to recall them.
func (m *Memory) Remember(args *DreamArgs) *Dream {
	now := time.Now()
	d := &Dream{ID: uuid.NewString(), Args: *args, Started: now, LastUpdate: now}
	m.mu.Lock()
	m.dreams = append(m.dreams, d)
	m.mu.Unlock()
	return d
}

// Recall returns a previous dream, or nil if it was forgotten.
func (m *Memory) Recall(id string) *Dream {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dreams {
		if d.ID == id {
			d.LastUpdate = time.Now()
			return d
		}
	}
	return nil
}

// Forget forgets dreams not used in the last 24 hours.
func (m *Memory) Forget() {
	m.mu.Lock()
	// First sort then cut off. This is so much faster than complex structures
	// like a heap.
	slices.SortFunc(m.dreams, func(a, b *Dream) int {
		return -1 * a.LastUpdate.Compare(b.LastUpdate)
	})
	before := len(m.dreams)
	cutoff := time.Now().Add(-24 * time.Hour)
	for i, d := range m.dreams {
		if d.LastUpdate.Before(cutoff) {
			m.dreams = m.dreams[:i]
			break
		}
	}
	after := len(m.dreams)
	m.mu.Unlock()
	slog.Info("memory", "action", "forget", "before", before, "after", after)
}

//

// serializedMemory is the JSON serialized version of Memory.
type serializedMemory struct {
	Version int               `json:"v,omitempty"`
	Dreams  []serializedDream `json:"d,omitempty"`
}

func (s *serializedMemory) from(m *Memory) {
	s.Version = 1
	s.Dreams = make([]serializedDream, len(m.dreams))
	for i, d := range m.dreams {
		s.Dreams[i] = serializedDream{ID: d.ID, Args: d.Args, Started: d.Started, LastUpdate: d.LastUpdate}
	}
}

func (s *serializedMemory) to(m *Memory) error {
	if s.Version != 1 {
		return fmt.Errorf("can't load unknown version %d", s.Version)
	}
	m.dreams = make([]*Dream, len(s.Dreams))
	for i, d := range s.Dreams {
		if d.ID == "" {
			return fmt.Errorf("dream #%d has no id", i)
		}
		m.dreams[i] = &Dream{ID: d.ID, Args: d.Args, Started: d.Started, LastUpdate: d.LastUpdate}
	}
	return nil
}

type serializedDream struct {
	ID         string    `json:"i"`
	Args       DreamArgs `json:"a"`
	Started    time.Time `json:"s"`
	LastUpdate time.Time `json:"l"`
}
