package domain

import "time"

// Comment is a reply attached to a public task.
type Comment struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"taskId"`
	Author            string    `json:"author"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	Text              string    `json:"text"`
	CreatedAt         time.Time `json:"createdAt"`
}
