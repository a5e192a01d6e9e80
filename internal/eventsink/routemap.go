// Package eventsink implements the EventSink + route map (spec §4.11): an
// out-of-scope telemetry transport with a concrete default implementation,
// route-map stream resolution, offline disk buffering, and Prometheus
// counters for emitted/buffered/flushed events.
package eventsink

import (
	"encoding/json"
	"os"
)

// Priority is KARL's coarse event priority class (SPEC_FULL.md supplemented
// feature 8, from pykarl/modules/eventmodule.py): it affects buffer flush
// ordering — High-priority events are flushed ahead of Normal ones.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// RouteMap resolves an (eventType, subjectArea) pair to a destination
// stream name (spec §4.11): exact match on eventType wins, else subjectArea,
// else "default". Carried from the Python RouteMap (pykarl/core.py) per
// SPEC_FULL.md supplemented feature 4.
type RouteMap struct {
	byEventType   map[string]string
	bySubjectArea map[string]string
}

// routeMapFile is the on-disk JSON shape for a route map (spec §6
// "routes/ # stream routing maps").
type routeMapFile struct {
	EventTypes   map[string]string `json:"event_types"`
	SubjectAreas map[string]string `json:"subject_areas"`
}

// NewRouteMap creates an empty RouteMap; everything resolves to "default"
// until entries are added.
func NewRouteMap() *RouteMap {
	return &RouteMap{
		byEventType:   make(map[string]string),
		bySubjectArea: make(map[string]string),
	}
}

// LoadRouteMap reads a route map persisted as JSON (spec §4.11 "Maps are
// persisted as a JSON file loaded on startup").
func LoadRouteMap(path string) (*RouteMap, error) {
	rm := NewRouteMap()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rm, nil
		}
		return nil, err
	}

	var file routeMapFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for k, v := range file.EventTypes {
		rm.byEventType[k] = v
	}
	for k, v := range file.SubjectAreas {
		rm.bySubjectArea[k] = v
	}
	return rm, nil
}

// SetEventTypeRoute registers an exact eventType -> stream mapping.
func (rm *RouteMap) SetEventTypeRoute(eventType, stream string) {
	rm.byEventType[eventType] = stream
}

// SetSubjectAreaRoute registers a subjectArea -> stream fallback mapping.
func (rm *RouteMap) SetSubjectAreaRoute(subjectArea, stream string) {
	rm.bySubjectArea[subjectArea] = stream
}

// defaultStream is the final fallback stream name (spec §4.11 `"default"`).
const defaultStream = "default"

// Resolve implements the exact-then-subject-then-default matching order
// (spec §4.11).
func (rm *RouteMap) Resolve(eventType, subjectArea string) string {
	if stream, ok := rm.byEventType[eventType]; ok {
		return stream
	}
	if stream, ok := rm.bySubjectArea[subjectArea]; ok {
		return stream
	}
	return defaultStream
}

// Save persists the route map to path as JSON.
func (rm *RouteMap) Save(path string) error {
	file := routeMapFile{EventTypes: rm.byEventType, SubjectAreas: rm.bySubjectArea}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
