package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/internal/auth"
	"chatsync/internal/chattypes"
	"chatsync/internal/store"
	syncengine "chatsync/internal/sync"
)

// SyncHandler 把同步引擎的操作契约暴露给展示层。
type SyncHandler struct {
	manager *EngineManager
}

// NewSyncHandler 创建一个新的 SyncHandler 实例。
func NewSyncHandler(manager *EngineManager) *SyncHandler {
	return &SyncHandler{manager: manager}
}

// messageView 是消息的 HTTP 表示：状态序列化为标签，
// 反应附带按 emoji 的聚合，被回复的消息解析为文本或占位符。
type messageView struct {
	chattypes.Message
	Status      string                     `json:"status"`
	Groups      []syncengine.ReactionGroup `json:"reactionGroups,omitempty"`
	ReplyToText string                     `json:"replyToText,omitempty"`
}

func (h *SyncHandler) actor(r *http.Request) (string, *syncengine.Engine, bool) {
	userID, ok := auth.ActorFromContext(r.Context())
	if !ok {
		return "", nil, false
	}
	engine, _ := h.manager.GetOrCreate(userID)
	return userID, engine, true
}

// ListConversationsHandler 按最近活动排序返回当前用户的会话列表。
func (h *SyncHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	conversations, err := engine.Store().ListConversations(r.Context(), userID, 50, 0)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("获取会话列表失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// EnsureConversationHandler 查找或惰性创建与某个用户的会话。
func (h *SyncHandler) EnsureConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	var req struct {
		PeerID string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}

	convo, err := engine.Store().EnsureConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("创建会话失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, convo)
}

// OpenConversationHandler 打开一个会话视图：启动订阅任务和对账扫描。
func (h *SyncHandler) OpenConversationHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	if _, err := engine.OpenConversation(r.Context(), conversationID); err != nil {
		writeJSONError(w, fmt.Sprintf("打开会话失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

// CloseConversationHandler 关闭一个会话视图。
func (h *SyncHandler) CloseConversationHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	engine.CloseConversation(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GetMessagesHandler 返回会话缓存窗口（从新到旧）和分页游标状态。
func (h *SyncHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	messages := engine.Cache().Messages(conversationID)
	views := make([]messageView, 0, len(messages))
	for i := range messages {
		views = append(views, messageView{
			Message:     messages[i],
			Status:      messages[i].Status.String(),
			Groups:      syncengine.Groups(&messages[i]),
			ReplyToText: engine.Send.ResolveReply(conversationID, messages[i].ReplyTo),
		})
	}

	// 还没翻过页时以窗口是否为空保守估计：空会话没有更旧的页
	hasMore := len(messages) > 0
	if cursor := engine.Cache().Cursor(conversationID); cursor != nil {
		hasMore = cursor.HasMore
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":  views,
		"hasMore":   hasMore,
		"connected": engine.Connected(),
	})
}

// LoadMoreHandler 向后加载一页更旧的消息。
// 已有加载在途或没有更多页时是 no-op，同样返回 200。
func (h *SyncHandler) LoadMoreHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	if err := engine.Pagination.LoadMore(r.Context(), conversationID); err != nil {
		writeJSONError(w, fmt.Sprintf("加载更多消息失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SendMessageHandler 乐观发送一条消息。
// 远端写入失败时本地已回滚，向调用方返回可恢复的错误。
func (h *SyncHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	var req struct {
		ReceiverID string `json:"receiverId"`
		Text       string `json:"text"`
		ReplyTo    string `json:"replyTo,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}

	msg, err := engine.Send.Send(r.Context(), conversationID, req.ReceiverID, req.Text, req.ReplyTo)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("发送失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, messageView{Message: msg, Status: msg.Status.String()})
}

// EditMessageHandler 编辑一条消息。
func (h *SyncHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}

	err := engine.Send.Edit(r.Context(), vars["id"], vars["messageId"], req.Text)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			writeJSONError(w, "消息不存在", http.StatusNotFound)
			return
		}
		writeJSONError(w, fmt.Sprintf("编辑失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteMessageHandler 删除一条消息。
func (h *SyncHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)

	err := engine.Send.Delete(r.Context(), vars["id"], vars["messageId"])
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			writeJSONError(w, "消息不存在", http.StatusNotFound)
			return
		}
		writeJSONError(w, fmt.Sprintf("删除失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ToggleReactionHandler 切换当前用户在一条消息上的反应。
func (h *SyncHandler) ToggleReactionHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)

	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}

	err := engine.Reactions.Toggle(r.Context(), vars["id"], vars["messageId"], req.Emoji)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			writeJSONError(w, "消息不存在", http.StatusNotFound)
			return
		}
		writeJSONError(w, fmt.Sprintf("切换反应失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MarkReadHandler 把会话标记为已读。失败由对账扫描重试，
// 不作为用户可见错误返回。
func (h *SyncHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	_, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	_ = engine.Reconciler.MarkConversationRead(r.Context(), mux.Vars(r)["id"])
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// TypingHandler 报告会话对端的输入状态（经 TTL 过滤）。
func (h *SyncHandler) TypingHandler(w http.ResponseWriter, r *http.Request) {
	userID, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	convo, err := engine.Store().GetConversation(r.Context(), conversationID)
	if err != nil {
		writeJSONError(w, "会话不存在", http.StatusNotFound)
		return
	}

	_, typing := h.manager.GetOrCreate(userID)
	active, err := typing.PeerTyping(r.Context(), conversationID, convo.OtherParticipant(userID))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("读取输入状态失败: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"typing": active})
}

// PresenceHandler 报告某个用户的在线状态（经 TTL 过滤）。
func (h *SyncHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID, engine, ok := h.actor(r)
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	peerID := mux.Vars(r)["userId"]

	_, typing := h.manager.GetOrCreate(userID)
	online, err := typing.PeerOnline(r.Context(), peerID)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("读取在线状态失败: %v", err), http.StatusBadGateway)
		return
	}

	engine.Profiles().SetOnline(peerID, online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}
