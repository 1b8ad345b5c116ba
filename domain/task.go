package domain

import "time"

// Task is a user-authored item, optionally shared publicly.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Owner     string    `json:"owner"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
}

// PublicTask is a task reachable through its share link.
type PublicTask struct {
	Task
	CreatedDate string `json:"createdDate"`
}
