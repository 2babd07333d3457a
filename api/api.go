// Package api — REST-поверхность вокруг хранилища: регистрация, вход,
// беседы, сообщения и реакции. Сообщение создается здесь со статусом sent,
// дальнейшую доставку решает realtime-ретранслятор.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"chatrelay/db"
	"chatrelay/models"
)

type API struct {
	db       *db.DB
	secret   []byte
	tokenTTL time.Duration
}

func New(database *db.DB, secret string, tokenTTL time.Duration) *API {
	return &API{
		db:       database,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

// Register вешает маршруты на mux. Все, кроме регистрации и входа,
// требуют bearer-токен.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/register", a.handleRegister)
	mux.HandleFunc("POST /api/login", a.handleLogin)

	mux.HandleFunc("POST /api/conversation", a.requireAuth(a.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations/{userId}", a.requireAuth(a.handleListConversations))
	mux.HandleFunc("DELETE /api/conversation/{conversationId}", a.requireAuth(a.handleDeleteConversation))
	mux.HandleFunc("POST /api/message", a.requireAuth(a.handleCreateMessage))
	mux.HandleFunc("GET /api/message/{conversationId}", a.requireAuth(a.handleGetMessages))
	mux.HandleFunc("PUT /api/message/react/{id}", a.requireAuth(a.handleReact))
	mux.HandleFunc("GET /api/users/{userId}", a.requireAuth(a.handleListUsers))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullName string `json:"fullName"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.FullName == "" || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "All fields required"})
		return
	}

	exists, err := a.db.UserExists(req.Email)
	if err != nil {
		internalError(w, "register", err)
		return
	}
	if exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "User exists"})
		return
	}

	if _, err := a.db.CreateUser(req.FullName, req.Email, req.Password); err != nil {
		internalError(w, "register", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "Registered successfully"})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	user, valid, err := a.db.AuthenticateUser(req.Email, req.Password)
	if err != nil {
		internalError(w, "login", err)
		return
	}
	if !valid {
		http.Error(w, "Invalid", http.StatusBadRequest)
		return
	}

	token, err := a.newToken(user.ID)
	if err != nil {
		internalError(w, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"fullName": user.FullName,
			"email":    user.Email,
			"lastSeen": user.LastSeen,
		},
		"token": token,
	})
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID   string `json:"senderId"`
		ReceiverID string `json:"receiverId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SenderID == "" || req.ReceiverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "All fields required"})
		return
	}

	conv, err := a.db.GetOrCreateConversation(req.SenderID, req.ReceiverID)
	if err != nil {
		internalError(w, "conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		SenderID       string `json:"senderId"`
		ReceiverID     string `json:"receiverId"`
		Message        string `json:"message"`
		ReplyTo        string `json:"replyTo"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SenderID == "" || req.ReceiverID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "All fields required"})
		return
	}

	// Клиент может прислать conversationId="new" — тогда беседа
	// отыскивается или создается по паре участников.
	conversationID := req.ConversationID
	if conversationID == "new" || conversationID == "" {
		conv, err := a.db.GetOrCreateConversation(req.SenderID, req.ReceiverID)
		if err != nil {
			internalError(w, "message", err)
			return
		}
		conversationID = conv.ID
	}

	msg, err := a.db.CreateMessage(conversationID, req.SenderID, req.ReceiverID, req.Message, req.ReplyTo)
	if err != nil {
		internalError(w, "message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleReact(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	var req struct {
		Emoji  string `json:"emoji"`
		UserID string `json:"userId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := a.db.GetMessage(messageID); err != nil {
		if err == db.ErrNoRows {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Message not found"})
			return
		}
		internalError(w, "react", err)
		return
	}

	if err := a.db.AddReaction(messageID, req.UserID, req.Emoji); err != nil {
		internalError(w, "react", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := a.db.GetMessages(r.PathValue("conversationId"))
	if err != nil {
		internalError(w, "messages", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// conversationSummary — элемент списка бесед: собеседник, последнее
// сообщение и число непрочитанных.
type conversationSummary struct {
	ConversationID string         `json:"conversationId"`
	User           models.Profile `json:"user"`
	LastMessage    string         `json:"lastMessage"`
	UnreadCount    int            `json:"unreadCount"`
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	convs, err := a.db.ListConversations(userID)
	if err != nil {
		internalError(w, "conversations", err)
		return
	}

	result := []conversationSummary{}
	for _, conv := range convs {
		peer, err := a.db.GetUserByID(conv.Peer(userID))
		if err != nil {
			// Собеседник мог быть удален; беседу пропускаем, список живет.
			if err != db.ErrNoRows {
				log.Printf("Conversations error for %s: %v", conv.ID, err)
			}
			continue
		}

		var lastMessage string
		if last, err := a.db.LastMessage(conv.ID); err == nil {
			lastMessage = last.Body
		} else if err != db.ErrNoRows {
			internalError(w, "conversations", err)
			return
		}

		unread, err := a.db.CountUnseen(conv.ID, userID)
		if err != nil {
			internalError(w, "conversations", err)
			return
		}

		result = append(result, conversationSummary{
			ConversationID: conv.ID,
			User:           peer.Profile(),
			LastMessage:    lastMessage,
			UnreadCount:    unread,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := a.db.DeleteConversation(r.PathValue("conversationId")); err != nil {
		internalError(w, "delete conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.db.ListUsers(r.PathValue("userId"))
	if err != nil {
		internalError(w, "users", err)
		return
	}

	result := []map[string]models.Profile{}
	for i := range users {
		result = append(result, map[string]models.Profile{"user": users[i].Profile()})
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("%s error: %v", op, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal error"})
}
