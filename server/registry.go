package server

import (
	"sort"
	"sync"
)

// Registry хранит единственное живое соединение каждого пользователя.
// Повторная регистрация того же userId безусловно замещает старую запись
// (последняя регистрация выигрывает), а повторный addUser с другим userId
// на том же соединении переносит запись: одно соединение никогда не держит
// больше одной записи. Обратный индекс ids — единственный владелец
// принадлежности соединения, поэтому смена идентичности сериализована
// той же блокировкой, что и членство.
//
// Блокировка покрывает только членство и снимок — никакие обращения
// к хранилищу под ней не выполняются.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	ids     map[*Client]string
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		ids:     make(map[*Client]string),
	}
}

// Register вставляет или замещает запись пользователя и возвращает снимок
// онлайн-списка вместе с адресатами рассылки. Прежняя запись этого же
// соединения под другим userId снимается в той же мутации, чтобы за
// соединением не оставался осиротевший пользователь. Снимок берется под
// той же блокировкой, что и мутация: рассылка причинно упорядочена после нее.
func (r *Registry) Register(userID string, c *Client) ([]string, []*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.ids[c]; ok && prev != userID {
		if r.clients[prev] == c {
			delete(r.clients, prev)
		}
	}
	// Вытесненное соединение теряет принадлежность: его позднее
	// отключение становится дешевым no-op.
	if old, ok := r.clients[userID]; ok && old != c {
		delete(r.ids, old)
	}

	r.clients[userID] = c
	r.ids[c] = userID
	return r.snapshotLocked()
}

// Unregister снимает запись по самому соединению и возвращает userId,
// которым оно владело. Запоздавшее отключение замещенного соединения —
// no-op: его принадлежность уже снята при замещении, поэтому оно не может
// выбить более новую регистрацию того же пользователя.
func (r *Registry) Unregister(c *Client) (userID string, online []string, targets []*Client, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.ids[c]
	if !ok {
		return "", nil, nil, false
	}
	delete(r.ids, c)
	delete(r.clients, userID)
	online, targets = r.snapshotLocked()
	return userID, online, targets, true
}

// Lookup возвращает соединение пользователя, если он онлайн.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// Clients возвращает всех подключенных клиентов.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	return targets
}

// Online возвращает отсортированный список userId подключенных пользователей.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online, _ := r.snapshotLocked()
	return online
}

func (r *Registry) snapshotLocked() ([]string, []*Client) {
	online := make([]string, 0, len(r.clients))
	targets := make([]*Client, 0, len(r.clients))
	for userID, c := range r.clients {
		online = append(online, userID)
		targets = append(targets, c)
	}
	sort.Strings(online)
	return online, targets
}
