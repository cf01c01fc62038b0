package middleware

import (
	"context"
	"net/http"
)

const (
	UserNameKey contextKey = "user_name"
	UserRoleKey contextKey = "user_role"
)

// GetUserName возвращает display-имя пользователя из контекста.
func GetUserName(ctx context.Context) string {
	v, _ := ctx.Value(UserNameKey).(string)
	return v
}

// GetUserRole возвращает роль пользователя из контекста.
func GetUserRole(ctx context.Context) string {
	v, _ := ctx.Value(UserRoleKey).(string)
	return v
}

// Identity извлекает advisory-идентичность из заголовков (X-User-Id,
// X-User-Name, X-User-Role). Проверка подлинности — задача внешней
// auth-подсистемы (reverse proxy / gateway); здесь заголовкам доверяем
// как есть и используем только для атрибуции записей.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if v := r.Header.Get("X-User-Id"); v != "" {
			ctx = context.WithValue(ctx, UserIDKey, v)
		}
		if v := r.Header.Get("X-User-Name"); v != "" {
			ctx = context.WithValue(ctx, UserNameKey, v)
		}
		if v := r.Header.Get("X-User-Role"); v != "" {
			ctx = context.WithValue(ctx, UserRoleKey, v)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
