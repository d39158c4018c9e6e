package websocket

import (
	"log"
)

// Hub maintains the set of active gateway clients, keyed by user ID.
// Assumes one connection per user; a new connection replaces the old one.
type Hub struct {
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub and listens for register/unregister requests.
func (h *Hub) Run() {
	log.Println("WebSocket Hub Run loop started.")
	for {
		select {
		case client := <-h.register:
			if existing, ok := h.clients[client.userID]; ok {
				log.Printf("警告: 用户 %s 已有连接，关闭旧连接并注册新连接。", client.userID)
				existing.teardown()
			}
			h.clients[client.userID] = client
			log.Printf("客户端已注册: UserID %s", client.userID)

		case client := <-h.unregister:
			// 只注销仍然是当前连接的客户端，避免误伤同一用户的新连接
			if stored, ok := h.clients[client.userID]; ok && stored == client {
				delete(h.clients, client.userID)
				client.teardown()
				log.Printf("客户端已注销: UserID %s", client.userID)
			}
		}
	}
}
