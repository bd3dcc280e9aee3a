package reminder

// Event types published on the app bus for each delivery outcome.
const (
	EventSent    = "reminder.sent"
	EventFailed  = "reminder.failed"
	EventSkipped = "reminder.skipped"
)

// Outcome is the event payload for one fire attempt.
type Outcome struct {
	ID        int64  `json:"id"`
	SubjectID string `json:"subject_id,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	Tries     int    `json:"tries,omitempty"`
	Code      string `json:"code,omitempty"` // failure code, empty on success
}
