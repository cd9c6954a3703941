package intents

// validTransitions is the complete edge set of the intent state machine.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusQuoted, StatusCancelled, StatusFailed},
	StatusQuoted:    {StatusExecuting, StatusCancelled, StatusFailed},
	StatusExecuting: {StatusFilled, StatusFailed},
	StatusFilled:    {}, // Terminal state
	StatusCancelled: {}, // Terminal state
	StatusFailed:    {}, // Terminal state
}

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusPending, StatusQuoted, StatusExecuting, StatusFilled, StatusCancelled, StatusFailed}

// CanTransition checks if a state transition is valid
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Cancellable reports whether a caller cancel may still win.
func (s Status) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}

// sourcesOf returns every state with an edge into to.
func sourcesOf(to Status) []Status {
	var from []Status
	for _, s := range Statuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
