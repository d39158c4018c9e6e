package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/chattypes"
	"chatsync/internal/config"
	"chatsync/internal/presence"
	chatsync "chatsync/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// command 是客户端通过 WebSocket 下发的指令。
// 引擎的变更事件沿相反方向推送给客户端。
type command struct {
	Action         string `json:"action"` // open, close, read, typing_start, typing_stop
	ConversationID string `json:"conversationId"`
}

// Client is a middleman between the websocket connection and the sync engine.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound event payloads.
	send chan []byte

	userID string
	engine *chatsync.Engine
	typing *presence.Coordinator

	cancelEvents func()

	// Closed on teardown; signals the pumps to exit.
	done chan struct{}

	mu       sync.Mutex
	sessions map[string]*chatsync.Session

	closeOnce sync.Once
}

// teardown 释放客户端占用的资源：事件订阅和打开的会话视图。
// 关闭会话视图会先发布输入 inactive。
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		if c.cancelEvents != nil {
			c.cancelEvents()
		}
		c.mu.Lock()
		sessions := c.sessions
		c.sessions = nil
		c.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}
		close(c.done)
	})
}

// readPump 读取客户端指令并分发给引擎。
func (c *Client) readPump(wsCfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket 错误 (客户端: %s): %v", c.userID, err)
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			log.Printf("错误: 无法反序列化来自客户端 %s 的指令: %v", c.userID, err)
			continue
		}
		c.dispatch(cmd)
	}
}

// dispatch 执行单条指令。指令级失败只记录：状态转换和输入提示
// 都由各自的重试路径兜底，不值得断开连接。
func (c *Client) dispatch(cmd command) {
	ctx := context.Background()
	switch cmd.Action {
	case "open":
		session, err := c.engine.OpenConversation(ctx, cmd.ConversationID)
		if err != nil {
			log.Printf("客户端 %s 打开会话 %s 失败: %v", c.userID, cmd.ConversationID, err)
			return
		}
		c.mu.Lock()
		if c.sessions != nil {
			c.sessions[cmd.ConversationID] = session
		}
		c.mu.Unlock()

	case "close":
		c.mu.Lock()
		session := c.sessions[cmd.ConversationID]
		delete(c.sessions, cmd.ConversationID)
		c.mu.Unlock()
		if session != nil {
			session.Close()
		}

	case "read":
		// 失败由下一次对账扫描重试，不上浮
		_ = c.engine.Reconciler.MarkConversationRead(ctx, cmd.ConversationID)

	case "typing_start":
		if err := c.typing.StartTyping(ctx, cmd.ConversationID); err != nil {
			log.Printf("客户端 %s 发布输入 active 失败: %v", c.userID, err)
		}

	case "typing_stop":
		if err := c.typing.StopTyping(ctx, cmd.ConversationID); err != nil {
			log.Printf("客户端 %s 发布输入 inactive 失败: %v", c.userID, err)
		}

	default:
		log.Printf("收到未知指令: %s", cmd.Action)
	}
}

// writePump 把出站事件写到 WebSocket 连接，并维持 ping。
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	pingPeriod := time.Duration(wsCfg.PingPeriodSeconds) * time.Second
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardEvents 把引擎的变更事件转发到发送通道。
// 事件只是"有变化"的信号，客户端随后通过 HTTP API 读取全量状态。
func (c *Client) forwardEvents(events <-chan chattypes.ChangeEvent) {
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("错误: 无法序列化变更事件: %v", err)
			continue
		}
		select {
		case c.send <- payload:
		default:
			log.Printf("警告: 客户端 %s 的发送通道已满，丢弃事件。", c.userID)
		}
	}
}

// ServeWs 处理一个已认证用户的 WebSocket 升级请求。
func ServeWs(hub *Hub, engine *chatsync.Engine, typing *presence.Coordinator, wsCfg config.WebSocketConfig, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket 升级失败 (用户 %s): %v", userID, err)
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		engine:   engine,
		typing:   typing,
		done:     make(chan struct{}),
		sessions: make(map[string]*chatsync.Session),
	}

	events, cancelEvents := engine.Bus().SubscribeGlobal()
	client.cancelEvents = cancelEvents

	hub.register <- client

	go client.forwardEvents(events)
	go client.writePump(wsCfg)
	go client.readPump(wsCfg)
}
