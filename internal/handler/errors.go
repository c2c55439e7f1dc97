// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/progression/internal/middleware"
	"github.com/hitoshi/progression/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, errCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeMissionNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeOutOfOrder:
		return http.StatusConflict
	case model.ErrCodeConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

const errCodeInvalidRequest = "INVALID_REQUEST"

// invalidRequestError はリクエストボディやパスパラメータが解析できない場合のエラー。
func invalidRequestError(message string) *model.APIError {
	return &model.APIError{
		Code:     errCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "正しい形式でリクエストしてください。",
	}
}

// requireUserID はゲートウェイ認証ミドルウェアが注入したユーザーIDを取り出す。
// 取り出せない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "認証が必要です。",
			Category: "auth",
			Action:   "ログインしてください。",
		})
		return "", false
	}
	return userID, true
}

// decodeJSON はリクエストボディをJSONとして解析する。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			invalidRequestError("リクエストボディの解析に失敗しました。"))
		return false
	}
	return true
}

const maxRequestBodyBytes = 64 << 10
