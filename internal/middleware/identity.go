// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/progression/internal/model"
)

// ゲートウェイが認証後に付与するヘッダー
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
)

// RoleAdmin は管理者APIへのアクセスに必要なロール。
const RoleAdmin = "admin"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey = contextKey("user_id")
	rolesContextKey  = contextKey("roles")
)

// NewGatewayAuthMiddleware はゲートウェイが付与したX-User-ID/X-User-Rolesを読み取り、
// ユーザーIDとロールをリクエストコンテキストに注入するミドルウェアを返す。
// gatewayTokenが空でなければ Authorization: Bearer <token> も検証する。
// どちらかが欠けているリクエストには401を返す。
func NewGatewayAuthMiddleware(gatewayToken string) func(next http.Handler) http.Handler {
	expected := []byte("Bearer " + gatewayToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gatewayToken != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				slog.Warn("gateway token mismatch", slog.String("path", r.URL.Path))
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError())
				return
			}

			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), userID)
			ctx = ContextWithRoles(ctx, parseRoles(r.Header.Get(HeaderUserRoles)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は指定ロールを持たないリクエストに403を返すミドルウェアを返す。
// NewGatewayAuthMiddlewareの後に配置する。
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r.Context(), role) {
				userID, _ := UserIDFromContext(r.Context())
				slog.Warn("forbidden",
					slog.String("user_id", userID),
					slog.String("required_role", role),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
					Code:     "FORBIDDEN",
					Message:  "この操作を行う権限がありません。",
					Category: "auth",
					Action:   "管理者に問い合わせてください。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithRoles はコンテキストにロールを注入する。
func ContextWithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesContextKey, roles)
}

// HasRole はコンテキストのユーザーが指定ロールを持つかどうかを返す。
func HasRole(ctx context.Context, role string) bool {
	roles, _ := ctx.Value(rolesContextKey).([]string)
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// parseRoles はカンマ区切りのロール一覧を分解する。空要素は無視する。
func parseRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func unauthorizedError() *model.APIError {
	return &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}
