/**
 * @description
 * This file contains custom middleware for the HTTP router: optional session
 * authentication and the admin-key gate. Session tokens are HS256 JWTs whose
 * subject claim carries the caller's wallet address; when a valid token is
 * present the address is placed on the request context so handlers can prefer
 * it over a client-supplied field.
 *
 * @dependencies
 * - context, fmt, net, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AddressContextKey is a custom type for the context key to avoid collisions.
type AddressContextKey string

const sessionAddressKey AddressContextKey = "sessionAddress"

// SessionAuthMiddleware validates a Bearer HS256 session token when one is
// supplied. With no secret configured, or no Authorization header present,
// the request passes through unauthenticated; a malformed or forged token is
// rejected outright.
func SessionAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid session token", http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, "Session token has no subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionAddressKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSessionAddress retrieves the authenticated wallet address, if any.
func GetSessionAddress(ctx context.Context) (string, bool) {
	address, ok := ctx.Value(sessionAddressKey).(string)
	return address, ok && address != ""
}

// clientIP extracts the caller's address for rate-limit bookkeeping, honoring
// X-Forwarded-For from the edge proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
