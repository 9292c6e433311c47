package model

// Status is a transaction's position in the bookkeeper workflow.
type Status string

// Workflow statuses. NEW through READY_FOR_WORKPAPER form the main
// sequence; EXCLUDED and LOCKED are absorbing side-states.
const (
	StatusNew               Status = "NEW"
	StatusPending           Status = "PENDING"
	StatusReviewed          Status = "REVIEWED"
	StatusReadyForWorkpaper Status = "READY_FOR_WORKPAPER"
	StatusExcluded          Status = "EXCLUDED"
	StatusLocked            Status = "LOCKED"
)

// statusRank orders statuses for comparison and filtering. It does not by
// itself make a transition legal; see allowedTransitions.
var statusRank = map[Status]int{
	StatusNew:               0,
	StatusPending:           1,
	StatusReviewed:          2,
	StatusReadyForWorkpaper: 3,
	StatusExcluded:          4,
	StatusLocked:            5,
}

// Rank returns the comparison rank of s, or -1 for an unknown status.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is a recognised status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// allowedTransitions is the closed transition table for non-admin updates.
// Lock and unlock are not listed: they are distinct audited operations with
// their own preconditions, not ordinary status edits.
var allowedTransitions = map[Status][]Status{
	StatusNew:               {StatusPending, StatusReviewed, StatusExcluded},
	StatusPending:           {StatusNew, StatusReviewed, StatusExcluded},
	StatusReviewed:          {StatusPending, StatusReadyForWorkpaper, StatusExcluded},
	StatusReadyForWorkpaper: {StatusReviewed, StatusExcluded},
	StatusExcluded:          {StatusNew},
	StatusLocked:            {},
}

// CanTransition reports whether an ordinary update may move a transaction
// from s to next. A no-op transition (s == next) is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
