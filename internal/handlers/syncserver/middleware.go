package syncserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"chatsync/internal/auth"
	"chatsync/internal/config"
)

// writeJSON 输出一个 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeJSONError 输出一个 JSON 错误响应。
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// AuthMiddleware 解析 Bearer 令牌并把当前用户 ID 放入请求上下文。
// WebSocket 升级请求也可以通过 query 参数携带令牌。
func AuthMiddleware(authCfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				tokenString = strings.TrimPrefix(header, "Bearer ")
			} else if q := r.URL.Query().Get("token"); q != "" {
				tokenString = q
			}
			if tokenString == "" {
				writeJSONError(w, "缺少认证令牌", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(tokenString, authCfg)
			if err != nil {
				writeJSONError(w, "认证令牌无效", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), claims.UserID)))
		})
	}
}
