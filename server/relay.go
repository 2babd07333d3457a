package server

import (
	"fmt"
	"log"
	"time"

	"chatrelay/db"
	"chatrelay/delivery"
	"chatrelay/protocol"
)

func (s *Server) handleAddUser(c *Client, ev *protocol.Event) error {
	var userID string
	if err := ev.Decode(&userID); err != nil {
		return err
	}
	if userID == "" {
		return protocol.ErrInvalidEvent
	}

	online, targets := s.registry.Register(userID, c)
	s.broadcastOnline(online, targets)
	return nil
}

// disconnect вызывается после разрыва соединения: убирает запись из реестра,
// фиксирует last seen ровно один раз и рассылает обновленный онлайн-список.
// Возвращает userId отключившегося, пустую строку для незарегистрированных.
func (s *Server) disconnect(c *Client) string {
	userID, online, targets, removed := s.registry.Unregister(c)
	if !removed {
		return ""
	}

	if err := s.store.TouchLastSeen(userID, time.Now().UTC()); err != nil {
		log.Printf("Failed to update last_seen for %s: %v", userID, err)
	}
	s.broadcastOnline(online, targets)
	return userID
}

// handleSendMessage — доставка уже сохраненного сообщения. Само сообщение
// создается REST-операцией до этого события; здесь решается только статус.
func (s *Server) handleSendMessage(c *Client, ev *protocol.Event) error {
	var p protocol.SendMessagePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	receiver, ok := s.registry.Lookup(p.ReceiverID)
	if !ok {
		// Получатель оффлайн: статус остается sent, но отправителю это
		// явно подтверждается, чтобы клиент убрал индикатор ожидания.
		return c.send(protocol.MessageStatusUpdate, protocol.StatusUpdatePayload{
			MessageID: p.ID,
			Status:    delivery.StatusSent,
		})
	}

	msg, err := s.store.GetMessage(p.ID)
	if err == db.ErrNoRows {
		// Несуществующее сообщение не ретранслируем и не выдумываем.
		log.Printf("sendMessage for unknown message %s from %s", p.ID, p.SenderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	next, changed := delivery.Next(msg.Status, delivery.Deliver)
	if changed {
		if err := s.store.UpdateMessageStatus(msg.ID, next); err != nil {
			// Частичный переход не применяем: статус в хранилище не изменился,
			// значит и уведомления не уходят.
			return fmt.Errorf("update status: %w", err)
		}
		// Перечитываем запись целиком — получателю уходит актуальное состояние.
		msg, err = s.store.GetMessage(msg.ID)
		if err != nil {
			return fmt.Errorf("reload message: %w", err)
		}
	}

	if err := receiver.send(protocol.GetMessage, msg); err != nil {
		log.Printf("Error pushing message %s to %s: %v", msg.ID, p.ReceiverID, err)
	}
	return c.send(protocol.MessageStatusUpdate, protocol.StatusUpdatePayload{
		MessageID: msg.ID,
		Status:    msg.Status,
	})
}

// handleMarkAsSeen — массовый перевод непросмотренных сообщений беседы
// в seen с уведомлением доступных отправителей.
func (s *Server) handleMarkAsSeen(c *Client, ev *protocol.Event) error {
	var p protocol.MarkAsSeenPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	unseen, err := s.store.FindUnseenMessages(p.ConversationID, p.ViewerID)
	if err != nil {
		return fmt.Errorf("find unseen: %w", err)
	}
	if len(unseen) == 0 {
		return nil
	}

	if err := s.store.MarkSeen(p.ConversationID, p.ViewerID); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}

	// Рассылка терпит частичные сбои: хранилище уже авторитетно,
	// отвалившийся отправитель увидит статус при следующей загрузке.
	for _, msg := range unseen {
		sender, ok := s.registry.Lookup(msg.SenderID)
		if !ok {
			continue
		}
		if err := sender.send(protocol.MessageStatusUpdate, protocol.StatusUpdatePayload{
			MessageID: msg.ID,
			Status:    delivery.StatusSeen,
		}); err != nil {
			log.Printf("Error notifying %s about seen message %s: %v", msg.SenderID, msg.ID, err)
		}
	}
	return nil
}

func (s *Server) handleTyping(c *Client, ev *protocol.Event) error {
	var p protocol.TypingPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	// Чистая ретрансляция: без состояния, без буферизации, без повторов.
	if receiver, ok := s.registry.Lookup(p.To); ok {
		return receiver.send(protocol.Typing, protocol.TypingPayload{From: p.From})
	}
	return nil
}

// Сигналинг звонков: четыре независимых правила ретрансляции.
// Недоступный адресат означает молчаливый сброс — протухший сигнал
// не имеет ценности, когда собеседник уже ушел.

func (s *Server) handleCallUser(c *Client, ev *protocol.Event) error {
	var p protocol.CallUserPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	if receiver, ok := s.registry.Lookup(p.To); ok {
		return receiver.send(protocol.IncomingCall, protocol.IncomingCallPayload{From: p.From})
	}
	return nil
}

func (s *Server) handleAnswerCall(c *Client, ev *protocol.Event) error {
	var p protocol.AnswerCallPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	if receiver, ok := s.registry.Lookup(p.To); ok {
		return receiver.send(protocol.CallAccepted, protocol.CallAcceptedPayload{Answer: p.Answer})
	}
	return nil
}

func (s *Server) handleIceCandidate(c *Client, ev *protocol.Event) error {
	var p protocol.IceCandidatePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	if receiver, ok := s.registry.Lookup(p.To); ok {
		return receiver.send(protocol.IceCandidate, protocol.IceCandidatePayload{Candidate: p.Candidate})
	}
	return nil
}

func (s *Server) handleEndCall(c *Client, ev *protocol.Event) error {
	var p protocol.EndCallPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	if receiver, ok := s.registry.Lookup(p.To); ok {
		return receiver.send(protocol.CallEnded, nil)
	}
	return nil
}
