// Package protocol определяет события realtime-канала: JSON-конверт
// {"event": имя, "data": полезная нагрузка} и типы нагрузок.
// Имена событий и ключи полей — контракт с клиентами, менять нельзя.
package protocol

import (
	"encoding/json"
	"errors"

	"chatrelay/delivery"
)

var ErrInvalidEvent = errors.New("invalid event format")

// Входящие события.
const (
	AddUser      = "addUser"
	SendMessage  = "sendMessage"
	MarkAsSeen   = "markAsSeen"
	Typing       = "typing"
	CallUser     = "callUser"
	AnswerCall   = "answerCall"
	IceCandidate = "iceCandidate"
	EndCall      = "endCall"
)

// Исходящие события.
const (
	GetUsers            = "getUsers"
	GetMessage          = "getMessage"
	MessageStatusUpdate = "messageStatusUpdate"
	IncomingCall        = "incomingCall"
	CallAccepted        = "callAccepted"
	CallEnded           = "callEnded"
)

type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Parse разбирает конверт события. Нагрузка остается сырой:
// каждый обработчик декодирует свой тип сам.
func Parse(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, ErrInvalidEvent
	}
	if ev.Name == "" {
		return nil, ErrInvalidEvent
	}
	return &ev, nil
}

// Decode декодирует нагрузку события в v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return ErrInvalidEvent
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ErrInvalidEvent
	}
	return nil
}

// Make собирает событие с именем name и нагрузкой payload.
// payload == nil дает событие без поля data (например callEnded).
func Make(name string, payload any) (*Event, error) {
	ev := &Event{Name: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ev.Data = data
	}
	return ev, nil
}

// OnlineUser — элемент снимка онлайн-списка в getUsers.
// Наружу уходит только userId, идентификатор соединения не раскрывается.
type OnlineUser struct {
	UserID string `json:"userId"`
}

type SendMessagePayload struct {
	ID         string `json:"_id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

type StatusUpdatePayload struct {
	MessageID string          `json:"messageId"`
	Status    delivery.Status `json:"status"`
}

type MarkAsSeenPayload struct {
	ConversationID string `json:"conversationId"`
	ViewerID       string `json:"viewerId"`
}

// TypingPayload: входящее typing несет {to, from}, исходящее — только {from}.
type TypingPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from"`
}

type CallUserPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type IncomingCallPayload struct {
	From string `json:"from"`
}

// SDP-ответ и ICE-кандидаты — непрозрачные блобы, ретранслируются как есть.
type AnswerCallPayload struct {
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type CallAcceptedPayload struct {
	Answer json.RawMessage `json:"answer"`
}

type IceCandidatePayload struct {
	To        string          `json:"to,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type EndCallPayload struct {
	To string `json:"to"`
}
