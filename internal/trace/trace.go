// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records pipeline stage timings as events in the Chrome
// tracing format, viewable in chrome://tracing or Perfetto.
package trace

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// T is a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}

// A Recorder collects trace events. Its methods are safe for
// concurrent use, and a nil Recorder discards events.
type Recorder struct {
	start time.Time

	mu sync.Mutex
	t  T
}

// NewRecorder returns a recorder whose timestamps are relative to now.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

// Span starts a complete event on thread tid. The event is recorded,
// with the provided arguments, when the returned function is called.
func (r *Recorder) Span(tid int, cat, name string) func(args map[string]interface{}) {
	if r == nil {
		return func(map[string]interface{}) {}
	}
	begin := time.Now()
	return func(args map[string]interface{}) {
		end := time.Now()
		r.add(Event{
			Tid:  tid,
			Ts:   begin.Sub(r.start).Microseconds(),
			Ph:   "X",
			Dur:  end.Sub(begin).Microseconds(),
			Name: name,
			Cat:  cat,
			Args: args,
		})
	}
}

// Instant records an instant event on thread tid.
func (r *Recorder) Instant(tid int, cat, name string, args map[string]interface{}) {
	if r == nil {
		return
	}
	r.add(Event{
		Tid:  tid,
		Ts:   time.Since(r.start).Microseconds(),
		Ph:   "i",
		Name: name,
		Cat:  cat,
		Args: args,
	})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.t.Events = append(r.t.Events, e)
	r.mu.Unlock()
}

// Trace returns a copy of the events recorded so far.
func (r *Recorder) Trace() T {
	if r == nil {
		return T{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return T{Events: append([]Event(nil), r.t.Events...)}
}

// Encode writes the events recorded so far to w.
func (r *Recorder) Encode(w io.Writer) error {
	t := r.Trace()
	return t.Encode(w)
}
