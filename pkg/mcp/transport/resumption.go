// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transport

import (
	"container/ring"
	"strconv"
	"sync"
)

// SSEEvent is one server-sent event on a session's push stream.
type SSEEvent struct {
	ID   string // Monotonic event ID, unique within the session
	Data []byte // JSON-RPC message
}

// EventBuffer keeps the most recent push events of a session so a client that
// reconnects with Last-Event-ID can have missed events replayed. Event IDs
// are assigned here and increase monotonically for the session's lifetime.
type EventBuffer struct {
	mu   sync.Mutex
	ring *ring.Ring
	size int
	seq  uint64
}

// DefaultEventBufferSize is the per-session replay window.
const DefaultEventBufferSize = 100

// NewEventBuffer creates a buffer holding up to size events. A size below one
// falls back to DefaultEventBufferSize.
func NewEventBuffer(size int) *EventBuffer {
	if size <= 0 {
		size = DefaultEventBufferSize
	}
	return &EventBuffer{
		ring: ring.New(size),
		size: size,
	}
}

// Append assigns the next event ID to data, records the event for replay, and
// returns it.
func (b *EventBuffer) Append(data []byte) SSEEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := SSEEvent{
		ID:   strconv.FormatUint(b.seq, 10),
		Data: data,
	}
	b.ring.Value = ev
	b.ring = b.ring.Next()
	return ev
}

// After returns the buffered events recorded after the given event ID, oldest
// first. Returns nil when the ID is empty or no longer in the buffer, in
// which case nothing can be replayed.
func (b *EventBuffer) After(lastEventID string) []SSEEvent {
	if lastEventID == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var events []SSEEvent
	found := false
	b.ring.Do(func(v interface{}) {
		ev, ok := v.(SSEEvent)
		if !ok {
			return
		}
		if found {
			events = append(events, ev)
		} else if ev.ID == lastEventID {
			found = true
		}
	})

	if !found {
		return nil
	}
	return events
}
