package sessionapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/audit"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"

	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"

	contextKeyOperator = "operator_claims"
	bearerPrefix       = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// OperatorClaims is the token payload accepted on operator routes.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 operator tokens. Issuance happens elsewhere.
type Authenticator struct {
	signingKey []byte
	parser     *jwt.Parser
}

// NewAuthenticator builds a verifier; an empty issuer accepts any issuer.
func NewAuthenticator(signingKey string, issuer string) (*Authenticator, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("operator signing key is required")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if strings.TrimSpace(issuer) != "" {
		options = append(options, jwt.WithIssuer(strings.TrimSpace(issuer)))
	}
	return &Authenticator{signingKey: []byte(signingKey), parser: jwt.NewParser(options...)}, nil
}

// Verify parses a raw token and returns its claims.
func (authenticator *Authenticator) Verify(raw string) (*OperatorClaims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errMissingToken
	}
	claims := &OperatorClaims{}
	_, err := authenticator.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return authenticator.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// RequireOperator rejects requests without a valid operator or admin token and stamps the
// token subject as the audit actor.
func (authenticator *Authenticator) RequireOperator() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(CodeUnauthorized, errMissingToken.Error()))
			return
		}
		claims, err := authenticator.Verify(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(CodeUnauthorized, "invalid operator token"))
			return
		}
		if claims.Role != RoleOperator && claims.Role != RoleAdmin {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(CodeForbidden, "operator role required"))
			return
		}
		actor := claims.Subject
		if actor == "" {
			actor = claims.Role
		}
		ctx.Set(contextKeyOperator, claims)
		ctx.Request = ctx.Request.WithContext(audit.WithActor(ctx.Request.Context(), actor))
		ctx.Next()
	}
}
