package models

import "time"

type Group struct {
	GroupID   int       `json:"group_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type GroupMember struct {
	GroupID int   `json:"group_id"`
	UserID  int64 `json:"user_id"`
	IsAdmin bool  `json:"is_admin"`
}
