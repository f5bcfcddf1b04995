// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package symtab implements bounded string intern tables. Feature
// payloads refer to layer names and attribute keys by their small
// integer ids in a table, so that repeated strings are stored once
// per process rather than once per feature.
package symtab

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// A Table interns strings into dense ids in [0, Cap()). Ids are
// assigned in order of first appearance and are stable for the
// table's lifetime. Tables are safe for concurrent use.
type Table struct {
	name     string
	capacity int

	mu     sync.RWMutex
	ids    map[string]int
	values []string
}

// New returns an empty table that can hold up to capacity distinct
// strings. The name is used in error messages.
func New(name string, capacity int) *Table {
	return &Table{
		name:     name,
		capacity: capacity,
		ids:      make(map[string]int),
	}
}

// Intern returns the id of s, assigning a new one if s has not been
// seen. Intern fails once the table holds Cap() strings: encodings
// that depend on the id width cannot represent more.
func (t *Table) Intern(s string) (int, error) {
	t.mu.RLock()
	id, ok := t.ids[s]
	t.mu.RUnlock()
	if ok {
		return id, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[s]; ok {
		return id, nil
	}
	if len(t.values) >= t.capacity {
		return 0, errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("symtab %s: too many distinct values (%d), cannot add %q", t.name, t.capacity, s))
	}
	id = len(t.values)
	t.values = append(t.values, s)
	t.ids[s] = id
	return id, nil
}

// Lookup returns the string with the provided id.
func (t *Table) Lookup(id int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.values) {
		return "", false
	}
	return t.values[id], true
}

// Len returns the number of interned strings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// Cap returns the table's capacity.
func (t *Table) Cap() int { return t.capacity }

// Name returns the table's name.
func (t *Table) Name() string { return t.name }
