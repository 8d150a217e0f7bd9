package models

import "time"

type User struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	IsOnline    bool      `json:"is_online"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is a direct message between two users. Only the read-by set
// changes after creation; every other field is write-once.
type Message struct {
	ID         int       `json:"id"`
	SenderID   int       `json:"sender_id"`
	ReceiverID int       `json:"receiver_id"`
	Text       *string   `json:"text,omitempty"`
	ImageURL   *string   `json:"image_url,omitempty"`
	ReadBy     []int     `json:"read_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReadByUser reports whether userID has acknowledged reading the message.
func (m *Message) ReadByUser(userID int) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}
