package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

const prefix = "datatask:"

func Pending(group string) string  { return prefix + "{" + group + "}:pending" }
func Active(group string) string   { return prefix + "{" + group + "}:active" }
func Payloads(group string) string { return prefix + "{" + group + "}:payloads" }

// Group holds all precomputed keys for a group name to avoid repeated concatenations.
type Group struct {
	// Pending is a LIST of task ids waiting for a worker (LPUSH in, RPOP out).
	Pending string
	// Active is a ZSET of leased task ids scored by lease deadline (unix ms).
	Active string
	// Payloads is a HASH of task id to task JSON.
	Payloads string
}

// For returns a set of precomputed keys for the provided group.
func For(group string) Group {
	p := prefix + "{" + group + "}:"
	return Group{
		Pending:  p + "pending",
		Active:   p + "active",
		Payloads: p + "payloads",
	}
}

// Events is the LIST of terminal worker events consumed by the manager.
// It shares its hash slot with EventsProcessing.
const Events = prefix + "{events}"

// EventsProcessing is the LIST of events being handled by the manager.
const EventsProcessing = prefix + "{events}:processing"

// ProgressChannel is the pub/sub channel of progress events.
const ProgressChannel = prefix + "progress"

// ControlChannel is the pub/sub channel of cancel requests.
const ControlChannel = prefix + "control"

// Cancelled is a ZSET of cancelled task ids scored by request time (unix ms).
const Cancelled = prefix + "{cancelled}"

// Repo holds the keys of the task repository.
type Repo struct {
	// Tasks is a HASH of task id to task JSON.
	Tasks string
	// States is a HASH of task id to state, read by the clear script.
	States string
	// IDs is a SET of every id ever inserted.
	IDs string
}

// ForRepo returns the repository keys under namespace ("" means the default
// one). The keys of a namespace share a hash slot.
func ForRepo(namespace string) Repo {
	if namespace == "" {
		namespace = "repo"
	}
	p := prefix + "{" + namespace + "}:"
	return Repo{
		Tasks:  p + "tasks",
		States: p + "states",
		IDs:    p + "ids",
	}
}
