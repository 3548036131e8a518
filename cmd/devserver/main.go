// Dev server: a minimal in-memory backend for manual runs of the terminal
// client. It speaks the same two websocket channels and the same message
// history endpoint as the real platform, with no persistence.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"achat/client/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	jwt "github.com/golang-jwt/jwt/v5"
)

var jwtSecret = []byte("DEV_ONLY_SECRET")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peer is one connected socket with serialized writes.
type peer struct {
	userID int64
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (p *peer) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("devserver: marshal %s: %v", event, err)
		return
	}
	frame, _ := json.Marshal(models.Envelope{Event: event, Data: data})
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("devserver: write to user %d: %v", p.userID, err)
	}
}

// hub holds every connected peer and the full message log.
type hub struct {
	mu       sync.Mutex
	chats    map[int64]*peer // message channel, by user
	statuses map[int64]*peer // presence channel, by user
	messages map[int64][]models.Message
	nextID   int64
}

func newHub() *hub {
	return &hub{
		chats:    make(map[int64]*peer),
		statuses: make(map[int64]*peer),
		messages: make(map[int64][]models.Message),
		nextID:   1000,
	}
}

func (h *hub) broadcastChats(event string, payload any) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.chats))
	for _, p := range h.chats {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.send(event, payload)
	}
}

func (h *hub) broadcastStatuses(event string, payload any, except int64) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.statuses))
	for id, p := range h.statuses {
		if id != except {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.send(event, payload)
	}
}

func (h *hub) storeMessage(chatID, senderID int64, content string) models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	msg := models.Message{
		ID:        h.nextID,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	h.messages[chatID] = append(h.messages[chatID], msg)
	return msg
}

// page returns one newest-first page of a chat's log.
func (h *hub) page(chatID int64, page, limit int) models.HistoryPage {
	h.mu.Lock()
	all := make([]models.Message, len(h.messages[chatID]))
	copy(all, h.messages[chatID])
	h.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return models.HistoryPage{
		Messages: all[start:end],
		Total:    len(all),
		HasMore:  end < len(all),
	}
}

func generateJWT(userID int64) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour * 72).Unix(),
		"iss":     "achat-devserver",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
}

func userIDFromBearer(c *gin.Context) (int64, bool) {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return 0, false
	}
	token, err := jwt.Parse(authHeader[7:], func(t *jwt.Token) (any, error) {
		return jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return 0, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid claims"})
		return 0, false
	}
	id, ok := claims["user_id"].(float64)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing user_id"})
		return 0, false
	}
	return int64(id), true
}

func (h *hub) getToken(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a positive number"})
		return
	}
	token, err := generateJWT(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": userID})
}

func (h *hub) serveChats(c *gin.Context) {
	userID, ok := userIDFromBearer(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p := &peer{userID: userID, conn: conn}

	h.mu.Lock()
	h.chats[userID] = p
	h.mu.Unlock()
	log.Printf("devserver: user %d joined message channel", userID)

	defer func() {
		h.mu.Lock()
		if h.chats[userID] == p {
			delete(h.chats, userID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != models.EventSendMessage {
			continue
		}
		var payload models.SendMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			continue
		}
		if payload.Content == "" {
			p.send(models.EventMessageRejected, models.MessageRejected{
				LocalID: payload.LocalID,
				ChatID:  payload.ChatID,
				Reason:  "empty content",
			})
			continue
		}
		msg := h.storeMessage(payload.ChatID, userID, payload.Content)
		msg.LocalID = payload.LocalID
		h.broadcastChats(models.EventMessageSent, msg)
	}
}

func (h *hub) serveStatus(c *gin.Context) {
	userID, ok := userIDFromBearer(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p := &peer{userID: userID, conn: conn}

	h.mu.Lock()
	h.statuses[userID] = p
	h.mu.Unlock()
	h.broadcastStatuses(models.EventStatusChange, models.StatusChange{UserID: userID, Status: models.StatusOnline}, userID)

	defer func() {
		h.mu.Lock()
		if h.statuses[userID] == p {
			delete(h.statuses, userID)
		}
		h.mu.Unlock()
		conn.Close()
		h.broadcastStatuses(models.EventStatusChange, models.StatusChange{UserID: userID, Status: models.StatusOffline}, userID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != models.EventTyping {
			continue
		}
		var ev models.TypingEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			continue
		}
		ev.UserID = userID
		h.broadcastStatuses(models.EventTyping, ev, userID)
	}
}

func (h *hub) getMessages(c *gin.Context) {
	if _, ok := userIDFromBearer(c); !ok {
		return
	}
	chatID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	c.JSON(http.StatusOK, h.page(chatID, page, limit))
}

func main() {
	log.Println("Starting achat dev server...")

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	port := os.Getenv("DEVSERVER_PORT")
	if port == "" {
		port = "4800"
	}

	h := newHub()
	r := gin.Default()

	r.GET("/token", h.getToken)
	r.GET("/chats", h.serveChats)
	r.GET("/status", h.serveStatus)
	r.GET("/messages/chat/:id", h.getMessages)

	server := &http.Server{
		Addr:           ":" + port,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Fatal(server.ListenAndServe())
}
