package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/db"
	"chatrelay/delivery"
	"chatrelay/models"
	"chatrelay/protocol"
)

// setupTestServer поднимает сервер с временной базой и websocket-эндпоинтом.
func setupTestServer(t *testing.T) (*Server, *db.DB, *httptest.Server, func()) {
	tmpfile, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name()) // SQLite создаст файл заново

	database, err := db.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	srv := New(database, &ServerConfig{WriteTimeout: 5 * time.Second})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	ts := httptest.NewServer(mux)

	cleanup := func() {
		ts.Close()
		database.Close()
		os.Remove(tmpfile.Name())
	}

	return srv, database, ts, cleanup
}

// dialWS подключает тестового websocket-клиента.
func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, name string, payload any) {
	t.Helper()
	ev, err := protocol.Make(name, payload)
	if err != nil {
		t.Fatalf("Failed to make event: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) *protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	ev, err := protocol.Parse(raw)
	if err != nil {
		t.Fatalf("Failed to parse event %q: %v", raw, err)
	}
	return ev
}

// expectNoEvent проверяет тишину на соединении. После истечения дедлайна
// чтения соединение больше непригодно — вызывать только в конце теста.
func expectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("Expected no event, got %s", raw)
	}
}

func decodeOnline(t *testing.T, ev *protocol.Event) []string {
	t.Helper()
	if ev.Name != protocol.GetUsers {
		t.Fatalf("Expected %q event, got %q", protocol.GetUsers, ev.Name)
	}
	var users []protocol.OnlineUser
	if err := ev.Decode(&users); err != nil {
		t.Fatalf("Failed to decode online list: %v", err)
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.UserID
	}
	return ids
}

// registerUser объявляет присутствие и возвращает полученный снимок онлайн-списка.
func registerUser(t *testing.T, conn *websocket.Conn, userID string) []string {
	t.Helper()
	sendEvent(t, conn, protocol.AddUser, userID)
	return decodeOnline(t, readEvent(t, conn, 5*time.Second))
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestAddUserBroadcast: каждая регистрация рассылает полный снимок всем.
func TestAddUserBroadcast(t *testing.T) {
	_, _, ts, cleanup := setupTestServer(t)
	defer cleanup()

	connA := dialWS(t, ts)
	defer connA.Close()
	connB := dialWS(t, ts)
	defer connB.Close()

	online := registerUser(t, connA, "alice")
	if !equalStrings(online, []string{"alice"}) {
		t.Errorf("Expected [alice], got %v", online)
	}

	online = registerUser(t, connB, "bob")
	if !equalStrings(online, []string{"alice", "bob"}) {
		t.Errorf("Expected [alice bob], got %v", online)
	}

	// Регистрация bob доходит и до alice.
	online = decodeOnline(t, readEvent(t, connA, 5*time.Second))
	if !equalStrings(online, []string{"alice", "bob"}) {
		t.Errorf("Expected [alice bob] broadcast to alice, got %v", online)
	}
}

// TestDisconnect: отключившийся исчезает из следующего снимка,
// а его last_seen обновляется в хранилище.
func TestDisconnect(t *testing.T) {
	_, database, ts, cleanup := setupTestServer(t)
	defer cleanup()

	alice, err := database.CreateUser("Alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	connA := dialWS(t, ts)
	connB := dialWS(t, ts)
	defer connB.Close()

	registerUser(t, connA, alice.ID)
	registerUser(t, connB, "bob")
	decodeOnline(t, readEvent(t, connA, 5*time.Second)) // рассылка от регистрации bob

	before := time.Now().UTC().Add(-time.Second)
	connA.Close()

	online := decodeOnline(t, readEvent(t, connB, 5*time.Second))
	if !equalStrings(online, []string{"bob"}) {
		t.Errorf("Expected [bob] after disconnect, got %v", online)
	}

	// Рассылка идет после записи last_seen, поэтому здесь она уже видна.
	updated, err := database.GetUserByID(alice.ID)
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	if updated.LastSeen.Before(before) {
		t.Errorf("Expected last_seen >= %v, got %v", before, updated.LastSeen)
	}
}

// TestDuplicateRegistration: повторная регистрация замещает соединение,
// а запоздавшее закрытие старого не выбивает новое из реестра.
func TestDuplicateRegistration(t *testing.T) {
	_, _, ts, cleanup := setupTestServer(t)
	defer cleanup()

	stale := dialWS(t, ts)
	fresh := dialWS(t, ts)
	defer fresh.Close()
	connB := dialWS(t, ts)
	defer connB.Close()

	registerUser(t, stale, "alice")

	online := registerUser(t, fresh, "alice")
	if !equalStrings(online, []string{"alice"}) {
		t.Errorf("Expected single [alice] after re-registration, got %v", online)
	}

	registerUser(t, connB, "bob")

	// Старое соединение уходит — alice остается онлайн через новое.
	stale.Close()

	sendEvent(t, connB, protocol.Typing, protocol.TypingPayload{To: "alice", From: "bob"})

	decodeOnline(t, readEvent(t, fresh, 5*time.Second)) // рассылка от регистрации bob
	ev := readEvent(t, fresh, 5*time.Second)
	if ev.Name != protocol.Typing {
		t.Fatalf("Expected typing on the fresh connection, got %q", ev.Name)
	}

	// Закрытие устаревшего соединения не породило рассылку.
	expectNoEvent(t, connB, 300*time.Millisecond)
}

// TestReannounceReplacesIdentity: повторный addUser с другим userId на том же
// соединении замещает прежнюю запись целиком — старый userId исчезает из
// снимка и становится недостижимым, а отключение снимает только новую запись.
func TestReannounceReplacesIdentity(t *testing.T) {
	_, _, ts, cleanup := setupTestServer(t)
	defer cleanup()

	connA := dialWS(t, ts)
	connB := dialWS(t, ts)
	defer connB.Close()

	registerUser(t, connA, "alice")
	registerUser(t, connB, "carol")
	decodeOnline(t, readEvent(t, connA, 5*time.Second)) // рассылка от регистрации carol

	online := registerUser(t, connA, "bob")
	if !equalStrings(online, []string{"bob", "carol"}) {
		t.Errorf("Expected [bob carol] after re-announce, got %v", online)
	}
	online = decodeOnline(t, readEvent(t, connB, 5*time.Second))
	if !equalStrings(online, []string{"bob", "carol"}) {
		t.Errorf("Expected [bob carol] broadcast to carol, got %v", online)
	}

	// alice недостижима: typing к ней молча сбрасывается, а bob через
	// то же соединение свое событие получает.
	sendEvent(t, connB, protocol.Typing, protocol.TypingPayload{To: "alice", From: "carol"})
	sendEvent(t, connB, protocol.Typing, protocol.TypingPayload{To: "bob", From: "carol"})
	ev := readEvent(t, connA, 5*time.Second)
	if ev.Name != protocol.Typing {
		t.Fatalf("Expected typing for bob, got %q", ev.Name)
	}
	var p protocol.TypingPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("Failed to decode typing payload: %v", err)
	}
	if p.From != "carol" {
		t.Errorf("Expected typing from carol, got %q", p.From)
	}

	// За соединением числилась ровно одна запись — после разрыва
	// остается только carol.
	connA.Close()
	online = decodeOnline(t, readEvent(t, connB, 5*time.Second))
	if !equalStrings(online, []string{"carol"}) {
		t.Errorf("Expected [carol] after disconnect, got %v", online)
	}
}

// countingStore подменяет хранилище и считает записи last_seen.
type countingStore struct {
	mu      sync.Mutex
	touched []string
}

func (s *countingStore) GetMessage(id string) (*models.Message, error) { return nil, db.ErrNoRows }

func (s *countingStore) UpdateMessageStatus(id string, status delivery.Status) error { return nil }

func (s *countingStore) FindUnseenMessages(conversationID, receiverID string) ([]models.Message, error) {
	return nil, nil
}

func (s *countingStore) MarkSeen(conversationID, receiverID string) error { return nil }

func (s *countingStore) TouchLastSeen(userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, userID)
	return nil
}

// TestDisconnectTouchesLastSeenOnce: разрыв соединения фиксирует last_seen
// ровно один раз и только для отключившегося пользователя.
func TestDisconnectTouchesLastSeenOnce(t *testing.T) {
	store := &countingStore{}
	srv := New(store, &ServerConfig{WriteTimeout: 5 * time.Second})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	connA := dialWS(t, ts)
	connB := dialWS(t, ts)
	defer connB.Close()

	registerUser(t, connA, "alice")
	registerUser(t, connB, "bob")
	decodeOnline(t, readEvent(t, connA, 5*time.Second)) // рассылка от регистрации bob

	connA.Close()

	// Рассылка идет после записи last_seen: получив ее, счетчик читаем смело.
	online := decodeOnline(t, readEvent(t, connB, 5*time.Second))
	if !equalStrings(online, []string{"bob"}) {
		t.Errorf("Expected [bob] after disconnect, got %v", online)
	}

	store.mu.Lock()
	touched := append([]string(nil), store.touched...)
	store.mu.Unlock()
	if !equalStrings(touched, []string{"alice"}) {
		t.Errorf("Expected exactly one last_seen write for alice, got %v", touched)
	}
}

func TestGetStats(t *testing.T) {
	srv, _, ts, cleanup := setupTestServer(t)
	defer cleanup()

	connA := dialWS(t, ts)
	defer connA.Close()
	connB := dialWS(t, ts)
	defer connB.Close()

	registerUser(t, connA, "alice")
	registerUser(t, connB, "bob")

	stats := srv.GetStats()
	expected := "connections=2,users=alice;bob"
	if stats != expected {
		t.Errorf("Expected %q, got %q", expected, stats)
	}
}
