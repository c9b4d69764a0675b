// Package wal implements the append-only, bounded, typed event log that
// every other subsystem in this engine consumes (spec.md §4.1). Events are
// appended to a fixed set of pre-allocated files as page-aligned, CRC32'd
// pages; consumers are delivered each event directly (in-line with Commit),
// during a dirty-start crash replay, or via a background sweep.
package wal

// EventType identifies the kind of payload carried by a log event
// (spec.md §3 "Log event").
type EventType uint8

const (
	EventUnknown EventType = iota
	EventContainerOpen
	EventContainerCommit
	EventContainerCommitFailed
	EventContainerMerged
	EventContainerMoved
	EventContainerDeleted
	EventBlockMappingWritten
	EventBlockMappingDeleted
	EventBlockMappingWriteFailed
	EventVolumeAttach
	EventVolumeDetach
	EventOrphanChunks
	// EventReplayStarted and EventReplayStopped are marker events that
	// Replay delivers to every consumer before and after each pass; they
	// are not written to a page. No event type exists for the Log-New,
	// Log-Empty or Log-Barrier markers.
	EventReplayStarted
	EventReplayStopped
)

func (t EventType) String() string {
	switch t {
	case EventContainerOpen:
		return "ContainerOpen"
	case EventContainerCommit:
		return "ContainerCommit"
	case EventContainerCommitFailed:
		return "ContainerCommitFailed"
	case EventContainerMerged:
		return "ContainerMerged"
	case EventContainerMoved:
		return "ContainerMoved"
	case EventContainerDeleted:
		return "ContainerDeleted"
	case EventBlockMappingWritten:
		return "BlockMappingWritten"
	case EventBlockMappingDeleted:
		return "BlockMappingDeleted"
	case EventBlockMappingWriteFailed:
		return "BlockMappingWriteFailed"
	case EventVolumeAttach:
		return "VolumeAttach"
	case EventVolumeDetach:
		return "VolumeDetach"
	case EventOrphanChunks:
		return "OrphanChunks"
	case EventReplayStarted:
		return "ReplayStarted"
	case EventReplayStopped:
		return "ReplayStopped"
	default:
		return "Unknown"
	}
}

// ReplayMode selects how Replay delivers persisted events (spec.md §4.1).
type ReplayMode int

const (
	// ReplayDirect delivers only fresh events, in-line with Commit. Log
	// itself invokes direct consumers from Commit; ReplayDirect is the mode
	// tag passed to them, not a separate iteration.
	ReplayDirect ReplayMode = iota
	// ReplayDirtyStart replays every persistent event since the last clean
	// stop (crash recovery).
	ReplayDirtyStart
	// ReplayBackground sweeps from the last persistently acknowledged log
	// id, in the background, advancing the ring tail as it goes.
	ReplayBackground
)

func (m ReplayMode) String() string {
	switch m {
	case ReplayDirect:
		return "direct"
	case ReplayDirtyStart:
		return "dirty-start"
	case ReplayBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Event is one delivered log event.
type Event struct {
	LogID   uint64
	Type    EventType
	Payload []byte
}

// ReplayContext accompanies every event delivered to a Consumer.
type ReplayContext struct {
	Mode  ReplayMode
	LogID uint64
}

// Consumer receives log events. Direct consumers (registered via
// AddDirectConsumer) are invoked synchronously, in order, from inside Commit and
// may refuse an event by returning an error, which fails the commit and
// prevents the ring head from advancing (spec.md §4.1). Consumers invoked
// during DirtyStart/Background replay must be idempotent: any event may be
// delivered more than once (spec.md §7).
type Consumer interface {
	OnEvent(ctx ReplayContext, ev Event) error
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(ctx ReplayContext, ev Event) error

func (f ConsumerFunc) OnEvent(ctx ReplayContext, ev Event) error { return f(ctx, ev) }
