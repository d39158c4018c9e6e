package syncserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatsync/internal/auth"
	"chatsync/internal/config"
)

// AuthHandler 封装了认证协作方边界上的 HTTP 处理器。
type AuthHandler struct {
	directory auth.Directory
	sessions  *auth.Sessions
	authCfg   config.AuthConfig
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(directory auth.Directory, sessions *auth.Sessions, authCfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{directory: directory, sessions: sessions, authCfg: authCfg}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterHandler 注册一个新用户。
func (h *AuthHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}

	userID, err := h.directory.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"userId": userID})
}

// SignInHandler 验证凭据并签发令牌，广播登录通知。
func (h *AuthHandler) SignInHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}

	userID, err := h.directory.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			writeJSONError(w, "用户名或密码不正确", http.StatusUnauthorized)
			return
		}
		writeJSONError(w, "登录失败", http.StatusInternalServerError)
		return
	}

	token, err := auth.GenerateToken(userID, req.Username, h.authCfg)
	if err != nil {
		writeJSONError(w, "签发令牌失败", http.StatusInternalServerError)
		return
	}

	h.sessions.Notify(auth.SessionEvent{UserID: userID, SignedIn: true})
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "token": token})
}

// SignOutHandler 广播登出通知；同步引擎据此清空该用户的进程级状态。
func (h *AuthHandler) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	h.sessions.Notify(auth.SessionEvent{UserID: userID, SignedIn: false})
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}
