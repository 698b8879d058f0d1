package model

import "time"

// Conversation is one answered question. Sources holds the JSON-encoded
// source documents of the answer.
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:128;not null;index" json:"user_id"`
	Question  string    `gorm:"type:text;not null" json:"question"`
	Answer    string    `gorm:"type:text;not null" json:"answer"`
	Mode      string    `gorm:"size:32;not null" json:"mode"`
	Sources   string    `gorm:"type:text" json:"sources,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
