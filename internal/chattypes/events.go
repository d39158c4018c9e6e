package chattypes

// ChangeKind 标识一次缓存变更的类别。
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot" // 实时窗口被快照合并
	ChangeAppend   ChangeKind = "append"   // 分页追加了更旧的消息
	ChangeUpsert   ChangeKind = "upsert"   // 单条消息插入或替换
	ChangeRemove   ChangeKind = "remove"   // 单条消息被删除/回滚
	ChangeSummary  ChangeKind = "summary"  // 会话冗余摘要变化（列表排序用）
)

// ChangeEvent 是缓存每次变更发出的类型化事件，
// 由零个或多个订阅者消费；避免隐式的监听者图。
type ChangeEvent struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId,omitempty"`
}

// Snapshot 是订阅推送的一次完整实时窗口，按时间从新到旧排序。
type Snapshot struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}
