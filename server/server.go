package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/delivery"
	"chatrelay/models"
	"chatrelay/protocol"
)

// Store — контракт с хранилищем, который нужен ретранслятору (§ persistence
// collaborator). Блокирующие вызовы хранилища никогда не выполняются под
// блокировкой реестра.
type Store interface {
	GetMessage(id string) (*models.Message, error)
	UpdateMessageStatus(id string, status delivery.Status) error
	FindUnseenMessages(conversationID, receiverID string) ([]models.Message, error)
	MarkSeen(conversationID, receiverID string) error
	TouchLastSeen(userID string, t time.Time) error
}

type Server struct {
	store    Store
	config   *ServerConfig
	registry *Registry
	upgrader websocket.Upgrader
}

type ServerConfig struct {
	WriteTimeout time.Duration
}

// Client — одно websocket-соединение. Записи сериализуются мьютексом:
// у gorilla/websocket может быть только один писатель на соединение.
// Принадлежность пользователю живет в реестре, не здесь: смена
// идентичности при повторном addUser проходит под его блокировкой.
type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// send отправляет клиенту одно событие.
func (c *Client) send(name string, payload any) error {
	ev, err := protocol.Make(name, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(ev)
}

func New(store Store, config *ServerConfig) *Server {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}

	return &Server{
		store:    store,
		config:   config,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Браузерные клиенты приходят с произвольных origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS принимает websocket-соединение и обслуживает его до разрыва.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	log.Printf("New client connected from %s", remoteAddr)

	client := &Client{
		conn:         conn,
		writeTimeout: s.config.WriteTimeout,
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Error reading from %s: %v", remoteAddr, err)
			}
			break
		}

		ev, err := protocol.Parse(raw)
		if err != nil {
			log.Printf("Parse error from %s: %v, raw: %q", remoteAddr, err, raw)
			continue
		}

		// Ошибка одного события не роняет соединение и тем более процесс.
		if err := s.handleEvent(client, ev); err != nil {
			log.Printf("Event %q error from %s: %v", ev.Name, remoteAddr, err)
		}
	}

	if userID := s.disconnect(client); userID != "" {
		log.Printf("Client %s disconnected from %s", userID, remoteAddr)
	} else {
		log.Printf("Client disconnected from %s", remoteAddr)
	}
}

func (s *Server) handleEvent(c *Client, ev *protocol.Event) error {
	switch ev.Name {
	case protocol.AddUser:
		return s.handleAddUser(c, ev)
	case protocol.SendMessage:
		return s.handleSendMessage(c, ev)
	case protocol.MarkAsSeen:
		return s.handleMarkAsSeen(c, ev)
	case protocol.Typing:
		return s.handleTyping(c, ev)
	case protocol.CallUser:
		return s.handleCallUser(c, ev)
	case protocol.AnswerCall:
		return s.handleAnswerCall(c, ev)
	case protocol.IceCandidate:
		return s.handleIceCandidate(c, ev)
	case protocol.EndCall:
		return s.handleEndCall(c, ev)
	default:
		return protocol.ErrInvalidEvent
	}
}

// broadcastOnline рассылает снимок онлайн-списка всем подключенным.
// Снимок уже взят под блокировкой реестра вызывающей стороной, сама
// рассылка идет без нее.
func (s *Server) broadcastOnline(online []string, targets []*Client) {
	payload := make([]protocol.OnlineUser, 0, len(online))
	for _, userID := range online {
		payload = append(payload, protocol.OnlineUser{UserID: userID})
	}

	for _, c := range targets {
		if err := c.send(protocol.GetUsers, payload); err != nil {
			log.Printf("Error broadcasting online list to %s: %v", c.conn.RemoteAddr(), err)
		}
	}
}

// Shutdown закрывает все живые соединения.
func (s *Server) Shutdown() {
	for _, c := range s.registry.Clients() {
		c.conn.Close()
	}
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	online := s.registry.Online()
	return "connections=" + strconv.Itoa(len(online)) + ",users=" + strings.Join(online, ";")
}
