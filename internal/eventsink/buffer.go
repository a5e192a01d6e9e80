package eventsink

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"
)

// bufferedEvent is one line of the on-disk buffer file (spec §6
// "karl_queue.data # offline event buffer"; SPEC_FULL.md supplemented
// feature 3).
type bufferedEvent struct {
	EventType   string      `json:"event_type"`
	SubjectArea string      `json:"subject_area"`
	Payload     interface{} `json:"payload"`
	Priority    Priority    `json:"priority"`
	QueuedAt    time.Time   `json:"queued_at"`
}

// DiskBuffer persists undelivered events to an append-only file and
// replays them high priority first, oldest-first within each priority, on
// reconnection (spec §4.11 "buffers events to a local queue file when
// offline ... on reconnection, flushes oldest-first"; the priority classes
// are SPEC_FULL.md supplemented feature 8).
type DiskBuffer struct {
	mu   sync.Mutex
	path string
}

// NewDiskBuffer creates a DiskBuffer backed by path (typically
// state/karl_queue.data per spec §6).
func NewDiskBuffer(path string) *DiskBuffer {
	return &DiskBuffer{path: path}
}

// Append adds an event to the buffer file (capacity unbounded, disk-backed,
// per spec §4.11).
func (b *DiskBuffer) Append(eventType, subjectArea string, payload interface{}, priority Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	ev := bufferedEvent{
		EventType:   eventType,
		SubjectArea: subjectArea,
		Payload:     payload,
		Priority:    priority,
		QueuedAt:    time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Drain reads every buffered event, ordered high-priority-first then
// oldest-first within each priority class (SPEC_FULL.md supplemented
// feature 8), removes the backing file, and returns the events for the
// caller to flush. If flush fails partway, the caller is responsible for
// re-Appending any events it could not deliver.
func (b *DiskBuffer) Drain() ([]bufferedEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []bufferedEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev bufferedEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // skip a corrupted line rather than losing the whole buffer
		}
		events = append(events, ev)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Priority != events[j].Priority {
			return events[i].Priority > events[j].Priority // High before Normal
		}
		return events[i].QueuedAt.Before(events[j].QueuedAt)
	})

	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return events, nil
}

// Len reports how many events are currently buffered on disk, for metrics.
func (b *DiskBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	return count
}
