/**
 * @description
 * Authentication middleware. Buyers present storefront-issued HS256 tokens;
 * operators and the cron caller present the shared internal secret.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// BuyerIDContextKey is a custom type for the context key to avoid collisions.
type BuyerIDContextKey string

const buyerIDKey BuyerIDContextKey = "buyerID"

// BuyerAuthMiddleware validates storefront tokens and stores the `sub` claim
// as the buyer reference.
func BuyerAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				http.Error(w, "Buyer authentication is not configured", http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			buyerID, err := claims.GetSubject()
			if err != nil || strings.TrimSpace(buyerID) == "" {
				http.Error(w, "Buyer not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), buyerIDKey, strings.TrimSpace(buyerID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetBuyerID retrieves the authenticated buyer reference from the request context.
func GetBuyerID(ctx context.Context) (string, bool) {
	buyerID, ok := ctx.Value(buyerIDKey).(string)
	return buyerID, ok
}

// OperatorAuthMiddleware accepts the internal secret in X-Internal-API-Key or
// as a bearer token. Without a configured secret every request is refused.
func OperatorAuthMiddleware(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "Operator endpoints are disabled", http.StatusServiceUnavailable)
				return
			}

			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if provided == "" {
				provided = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
