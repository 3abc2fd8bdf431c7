package scans

// allowed lists, per source status, the statuses a transition may reach.
var allowed = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the state machine permits from -> to.
// Terminal states have no exits and nothing moves back into pending.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
