package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrBadCredentials 在用户名或密码不正确时返回。
var ErrBadCredentials = errors.New("用户名或密码不正确")

// Directory 是认证协作方的最小边界：验证凭据并换取用户 ID。
// 完整的账号体系在本设计范围之外。
type Directory interface {
	VerifyCredentials(ctx context.Context, username, password string) (userID string, err error)
	Register(ctx context.Context, username, password string) (userID string, err error)
}

type directoryEntry struct {
	userID       string
	passwordHash string
}

// memoryDirectory 是 Directory 的进程内实现，密码以 bcrypt 哈希存储。
type memoryDirectory struct {
	mu    sync.RWMutex
	users map[string]directoryEntry // username → entry
}

// NewMemoryDirectory 创建一个进程内用户目录。
func NewMemoryDirectory() Directory {
	return &memoryDirectory{users: make(map[string]directoryEntry)}
}

// Register 注册一个新用户，返回分配的用户 ID。
func (d *memoryDirectory) Register(_ context.Context, username, password string) (string, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users[username]; exists {
		return "", errors.New("用户名已被占用")
	}
	userID := uuid.NewString()
	d.users[username] = directoryEntry{userID: userID, passwordHash: hash}
	return userID, nil
}

// VerifyCredentials 验证用户名和密码，成功时返回用户 ID。
func (d *memoryDirectory) VerifyCredentials(_ context.Context, username, password string) (string, error) {
	d.mu.RLock()
	entry, ok := d.users[username]
	d.mu.RUnlock()
	if !ok || !CheckPasswordHash(password, entry.passwordHash) {
		return "", ErrBadCredentials
	}
	return entry.userID, nil
}
