// Package delivery описывает жизненный цикл статуса сообщения:
// sent -> delivered -> seen. Переходы — чистые функции, транспортный
// слой только применяет их результат к хранилищу.
package delivery

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

type Event int

const (
	// Deliver — сообщение успешно отправлено получателю онлайн.
	Deliver Event = iota
	// See — получатель явно отметил сообщение просмотренным.
	See
)

// Next возвращает статус после применения события и признак того,
// что статус изменился. Статус никогда не откатывается назад:
// любое событие поверх seen — no-op. Переход sent -> seen допустим:
// получатель мог быть оффлайн в момент отправки.
func Next(current Status, event Event) (Status, bool) {
	switch event {
	case Deliver:
		if current == StatusSent {
			return StatusDelivered, true
		}
	case See:
		if current == StatusSent || current == StatusDelivered {
			return StatusSeen, true
		}
	}
	return current, false
}

// Valid проверяет, что s — один из трех статусов жизненного цикла.
func Valid(s Status) bool {
	return s == StatusSent || s == StatusDelivered || s == StatusSeen
}
