package models

import (
	"time"

	"chatrelay/delivery"
)

type User struct {
	ID       string    `json:"id"`
	FullName string    `json:"fullName"`
	Email    string    `json:"email"`
	Password string    `json:"-"` // bcrypt hash
	LastSeen time.Time `json:"lastSeen"`
}

// Profile — публичная часть пользователя, отдаваемая другим клиентам.
// Имя поля receiverId сохранено ради совместимости с существующими клиентами.
type Profile struct {
	ReceiverID string    `json:"receiverId"`
	FullName   string    `json:"fullName"`
	Email      string    `json:"email"`
	LastSeen   time.Time `json:"lastSeen"`
}

func (u *User) Profile() Profile {
	return Profile{
		ReceiverID: u.ID,
		FullName:   u.FullName,
		Email:      u.Email,
		LastSeen:   u.LastSeen,
	}
}

type Conversation struct {
	ID        string    `json:"_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Peer возвращает id второго участника беседы.
func (c *Conversation) Peer(userID string) string {
	for _, m := range c.Members {
		if m != userID {
			return m
		}
	}
	return ""
}

type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type Message struct {
	ID             string          `json:"_id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId"`
	Body           string          `json:"message"`
	Status         delivery.Status `json:"status"`
	ReplyTo        string          `json:"replyTo,omitempty"`
	Reactions      []Reaction      `json:"reactions"`
	CreatedAt      time.Time       `json:"createdAt"`
}
