package websocket

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// MessageHandler binds clients to documents. All calls are made from the
// manager goroutine.
type MessageHandler interface {
	Connect(client *Client) error
	HandleMessage(client *Client, data []byte)
	Disconnect(client *Client)
}

type ManagerOptions struct {
	MaxConnPerUser int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	Logger         zerolog.Logger
}

type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	rooms          map[string]map[string]*Client
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	stats          chan chan Stats
	done           chan struct{}
	maxConnPerUser int
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	logger         zerolog.Logger
}

type Stats struct {
	Clients int
	Rooms   map[string]int
	Users   map[string]int
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 10 << 20
	}
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		rooms:          make(map[string]map[string]*Client),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage, 64),
		stats:          make(chan chan Stats),
		done:           make(chan struct{}),
		maxConnPerUser: opts.MaxConnPerUser,
		maxMessageSize: opts.MaxMessageSize,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		logger:         opts.Logger.With().Str("component", "ws_manager").Logger(),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)

		case reply := <-m.stats:
			reply <- m.snapshot()
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	if m.maxConnPerUser > 0 && len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		m.logger.Warn().Str("user_id", client.UserID).Msg("max connections reached")
		client.close()
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.Connect(client); err != nil {
			m.logger.Warn().Err(err).Str("client_id", client.ID).Str("doc_id", client.DocumentID).Msg("rejecting client")
			client.close()
			return
		}
	}

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}
	room := client.Room()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]*Client)
	}
	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true
	m.rooms[room][client.ID] = client

	m.logger.Info().
		Str("client_id", client.ID).
		Str("user_id", client.UserID).
		Str("device_id", client.DeviceID).
		Str("room", room).
		Msg("client registered")
}

func (m *Manager) unregisterClient(client *Client) {
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	delete(m.clients, client.ID)
	delete(m.userIndex[client.UserID], client.ID)
	if len(m.userIndex[client.UserID]) == 0 {
		delete(m.userIndex, client.UserID)
	}
	room := client.Room()
	delete(m.rooms[room], client.ID)
	if len(m.rooms[room]) == 0 {
		delete(m.rooms, room)
	}

	if m.messageHandler != nil {
		m.messageHandler.Disconnect(client)
	}
	client.close()
	m.logger.Info().Str("client_id", client.ID).Msg("client unregistered")
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	if _, ok := m.clients[clientMsg.Client.ID]; !ok {
		return
	}
	if m.messageHandler != nil {
		m.messageHandler.HandleMessage(clientMsg.Client, clientMsg.Message)
	}
}

func (m *Manager) shutdown() {
	close(m.done)
	for _, client := range m.clients {
		m.unregisterClient(client)
	}
}

func (m *Manager) snapshot() Stats {
	s := Stats{
		Clients: len(m.clients),
		Rooms:   make(map[string]int, len(m.rooms)),
		Users:   make(map[string]int, len(m.userIndex)),
	}
	for room, clients := range m.rooms {
		s.Rooms[room] = len(clients)
	}
	for user, clients := range m.userIndex {
		s.Users[user] = len(clients)
	}
	return s
}

// Stats asks the manager goroutine for connection counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case m.stats <- reply:
	case <-m.done:
		return Stats{}, ErrManagerStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// unregister is used by pumps, which may outlive Run.
func (m *Manager) unregister(c *Client) {
	select {
	case m.Unregister <- c:
	case <-m.done:
	}
}

func (m *Manager) dispatch(msg *ClientMessage) bool {
	select {
	case m.HandleMessage <- msg:
		return true
	case <-m.done:
		return false
	}
}

func roomKey(collabType, documentID string) string {
	return collabType + "/" + documentID
}
