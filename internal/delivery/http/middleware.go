package http

import (
	"context"
	"net/http"

	"friendfinder/internal/entity"
	"friendfinder/internal/usecase"
	"friendfinder/pkg/jwt"

	"go.uber.org/zap"
)

type contextKey string

const UserContextKey contextKey = "user"

type AuthMiddleware struct {
	authUc usecase.AuthUsecase
	log    *zap.Logger
}

func NewAuthMiddleware(authUc usecase.AuthUsecase, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authUc: authUc,
		log:    log,
	}
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := jwt.TokenFromRequest(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, Response{Message: "authorization header required"})
			return
		}

		claims, err := m.authUc.ValidateAccessToken(token)
		if err != nil {
			m.log.Debug("rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, Response{Message: "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the claims Authenticate stored, or empty claims.
func UserFromContext(ctx context.Context) *entity.TokenClaims {
	if claims, ok := ctx.Value(UserContextKey).(*entity.TokenClaims); ok {
		return claims
	}
	return &entity.TokenClaims{}
}

// CORS allows a single browser origin to call the API with credentials.
func CORS(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
