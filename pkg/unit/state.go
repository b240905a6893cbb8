// This file may be distributed under the terms of the GNU GPLv3 license.
package unit

import "fmt"

// BayState is the lifecycle state of one spool bay.
type BayState int

const (
	// Unloaded: no filament past the hub sensor.
	Unloaded BayState = iota
	// Loading: filament travelling toward the print head.
	Loading
	// LoadedForward: loaded, feed path oriented toward the extruder.
	LoadedForward
	// LoadedBackward: loaded, buffer paying back toward the spool.
	LoadedBackward
	// Unloading: filament rewinding onto the spool.
	Unloading
	// BayError: a fault latched; cleared only by an explicit clear.
	BayError
)

func (s BayState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case LoadedForward:
		return "loaded_fw"
	case LoadedBackward:
		return "loaded_bw"
	case Unloading:
		return "unloading"
	case BayError:
		return "error"
	}
	return "unknown"
}

// Loaded reports whether filament is engaged through the bay.
func (s BayState) Loaded() bool {
	return s == LoadedForward || s == LoadedBackward
}

// Event drives bay state transitions.
type Event int

const (
	// EventLoad starts a load sequence.
	EventLoad Event = iota
	// EventLoadingEnd completes a load sequence.
	EventLoadingEnd
	// EventUnload starts an unload sequence.
	EventUnload
	// EventUnloadingEnd completes an unload sequence.
	EventUnloadingEnd
	// EventRetract flips a loaded bay to backward feed.
	EventRetract
	// EventExtrude flips a loaded bay back to forward feed.
	EventExtrude
	// EventFault latches the error state.
	EventFault
	// EventClear releases the error state.
	EventClear
	// EventAdopt marks a bay loaded during startup reconciliation.
	EventAdopt
)

func (e Event) String() string {
	switch e {
	case EventLoad:
		return "load"
	case EventLoadingEnd:
		return "loading_end"
	case EventUnload:
		return "unload"
	case EventUnloadingEnd:
		return "unloading_end"
	case EventRetract:
		return "retract"
	case EventExtrude:
		return "extrude"
	case EventFault:
		return "fault"
	case EventClear:
		return "clear"
	case EventAdopt:
		return "adopt"
	}
	return "unknown"
}

type transKey struct {
	from  BayState
	event Event
}

var transitions = map[transKey]BayState{
	{Unloaded, EventLoad}:           Loading,
	{Unloaded, EventAdopt}:          LoadedForward,
	{Loading, EventLoadingEnd}:      LoadedForward,
	{LoadedForward, EventUnload}:    Unloading,
	{LoadedBackward, EventUnload}:   Unloading,
	{LoadedForward, EventRetract}:   LoadedBackward,
	{LoadedBackward, EventRetract}:  LoadedBackward,
	{Unloaded, EventRetract}:        Unloaded,
	{LoadedBackward, EventExtrude}:  LoadedForward,
	{LoadedForward, EventExtrude}:   LoadedForward,
	{Unloaded, EventExtrude}:        Unloaded,
	{Unloading, EventUnloadingEnd}:  Unloaded,
	{Loading, EventFault}:           BayError,
	{Unloading, EventFault}:         BayError,
	{LoadedForward, EventFault}:     BayError,
	{LoadedBackward, EventFault}:    BayError,
	{Unloaded, EventFault}:          BayError,
	{BayError, EventClear}:          Unloaded,
}

// Next applies an event to a state. Undefined pairs are rejected.
func Next(from BayState, event Event) (BayState, error) {
	to, ok := transitions[transKey{from, event}]
	if !ok {
		return from, fmt.Errorf("unit: no transition from %s on %s", from, event)
	}
	return to, nil
}
