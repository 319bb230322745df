package domain

// Transition describes a compare-and-swap status change: the update only applies
// while the entry is in one of From.
type Transition struct {
	Name string
	From []EntryStatus
	To   EntryStatus
	// StampColumn is set to now() on success; empty for none.
	StampColumn string
	// ClearColumn is reset to NULL on success; empty for none.
	ClearColumn string
}

var (
	TransitionServe = Transition{
		Name: "serve", From: []EntryStatus{StatusWaiting}, To: StatusServing, StampColumn: "served_at",
	}
	TransitionComplete = Transition{
		Name: "complete", From: []EntryStatus{StatusServing}, To: StatusCompleted, StampColumn: "completed_at",
	}
	TransitionCancel = Transition{
		Name: "cancel", From: []EntryStatus{StatusWaiting, StatusServing}, To: StatusCancelled, StampColumn: "cancelled_at",
	}
	TransitionNoShow = Transition{
		Name: "no_show", From: []EntryStatus{StatusWaiting, StatusServing}, To: StatusNoShow, StampColumn: "no_show_at",
	}
	// TransitionReturn puts a served entry back in line with its original sort key.
	TransitionReturn = Transition{
		Name: "return", From: []EntryStatus{StatusServing}, To: StatusWaiting, ClearColumn: "served_at",
	}
)

// Allows reports whether the transition may start from status.
func (t Transition) Allows(status EntryStatus) bool {
	for _, s := range t.From {
		if s == status {
			return true
		}
	}
	return false
}

// FromStrings is the From set as a text array for SQL parameters.
func (t Transition) FromStrings() []string {
	out := make([]string, len(t.From))
	for i, s := range t.From {
		out[i] = string(s)
	}
	return out
}
