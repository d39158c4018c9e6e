package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/chattypes"
)

// fakeStore 是可注入失败的 RemoteStore 测试替身，带调用计数。
type fakeStore struct {
	mu sync.Mutex

	queryPages   [][]chattypes.Message // 每次 QueryMessagesBefore 弹出一页
	queryCalls   int
	queryErr     error
	queryBlock   chan struct{} // 非 nil 时查询阻塞直到通道关闭
	queryCursors []*chattypes.Cursor

	createErr   error
	createCalls int
	created     []chattypes.Message

	updateErr error
	deleteErr error

	advanceErr   error
	advanceCalls []advanceCall

	setReactionErr    error
	removeReactionErr error
	reactionCalls     int
}

type advanceCall struct {
	conversationID string
	receiverID     string
	messageIDs     []string
	target         chattypes.MessageStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) EnsureConversation(context.Context, string, string) (*chattypes.Conversation, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeStore) GetConversation(context.Context, string) (*chattypes.Conversation, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeStore) ListConversations(context.Context, string, int, int) ([]*chattypes.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) QueryMessagesBefore(ctx context.Context, conversationID string, startAfter *chattypes.Cursor, limit int) ([]chattypes.Message, error) {
	f.mu.Lock()
	block := f.queryBlock
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	f.queryCursors = append(f.queryCursors, startAfter)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return nil, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *chattypes.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return f.createErr
	}
	now := time.Now()
	msg.SentAt = &now
	f.created = append(f.created, *msg)
	return nil
}

func (f *fakeStore) UpdateMessageText(context.Context, string, string, string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateErr
}

func (f *fakeStore) DeleteMessage(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeStore) AdvanceStatus(_ context.Context, conversationID, receiverID string, messageIDs []string, target chattypes.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advanceCalls = append(f.advanceCalls, advanceCall{
		conversationID: conversationID,
		receiverID:     receiverID,
		messageIDs:     append([]string(nil), messageIDs...),
		target:         target,
	})
	return nil
}

func (f *fakeStore) SetReaction(context.Context, string, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionCalls++
	return f.setReactionErr
}

func (f *fakeStore) RemoveReaction(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionCalls++
	return f.removeReactionErr
}

func (f *fakeStore) advanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.advanceCalls)
}

func (f *fakeStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

// confirmedAt 构造一条已确认的消息。
func confirmedAt(id, sender, receiver string, at time.Time) chattypes.Message {
	sent := at
	return chattypes.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           "message " + id,
		SentAt:         &sent,
		LocalAt:        at,
		Status:         chattypes.StatusSent,
	}
}

// provisionalAt 构造一条尚未确认的乐观消息。
func provisionalAt(id, sender, receiver string, at time.Time) chattypes.Message {
	return chattypes.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           "message " + id,
		LocalAt:        at,
		Status:         chattypes.StatusSent,
	}
}
