package domain

// CleanupJob asks for the removal of every comment of a deleted task.
type CleanupJob struct {
	TaskID    string
	MessageID string
	Receipt   string
	Attempt   int
}
