// Package auth resolves the bearer token issued by the upstream session
// service into a loaded identity. The token proves who is calling; everything
// about what they may do is decided later by the pipeline.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bastion/internal/identity"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

// IdentityResolver loads identities by id.
type IdentityResolver interface {
	FindByID(ctx context.Context, id uuid.UUID) (*identity.Identity, error)
}

// Middleware validates HS256 session tokens and attaches the identity to the
// request context.
type Middleware struct {
	signingKey []byte
	identities IdentityResolver
	logger     *slog.Logger
}

// New creates the auth middleware.
func New(signingKey []byte, identities IdentityResolver, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{signingKey: signingKey, identities: identities, logger: logger}
}

// Handler rejects requests without a valid token or with a deactivated
// identity. Deactivated identities keep their audit history but lose access
// the moment the flag flips; no token outlives that.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			m.logger.WarnContext(ctx, "rejected session token",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			unauthorized(w, "invalid session token")
			return
		}

		identityID, err := uuid.Parse(claims.Subject)
		if err != nil {
			unauthorized(w, "invalid token subject")
			return
		}

		ident, err := m.identities.FindByID(ctx, identityID)
		if err != nil {
			unauthorized(w, "unknown identity")
			return
		}
		if !ident.Active {
			m.logger.WarnContext(ctx, "deactivated identity presented a valid token",
				"identity_id", ident.ID.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			unauthorized(w, "identity is deactivated")
			return
		}

		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(ctx, ident)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, desc string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
		Error:            "unauthorized",
		ErrorDescription: desc,
	})
}
