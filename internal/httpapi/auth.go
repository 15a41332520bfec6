package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "marketchat-relay"
	tokenDuration = 12 * time.Hour
	roleAdmin     = "admin"
)

// AdminCredentials configures admin login. A zero value disables it and
// rejects every admin route.
type AdminCredentials struct {
	Email    string
	Password string
	Secret   []byte
}

func (a AdminCredentials) enabled() bool {
	return a.Email != "" && a.Password != "" && len(a.Secret) > 0
}

// Claims is the payload of an admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a AdminCredentials) issue(now time.Time) (string, error) {
	claims := &Claims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.Email,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a AdminCredentials) verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != roleAdmin {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (a AdminCredentials) matches(email, password string) bool {
	okEmail := subtle.ConstantTimeCompare([]byte(email), []byte(a.Email)) == 1
	okPassword := subtle.ConstantTimeCompare([]byte(password), []byte(a.Password)) == 1
	return okEmail && okPassword
}

var errNoToken = errors.New("missing bearer token")

func bearer(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errNoToken
	}
	return raw, nil
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *API) adminLogin(c *gin.Context) {
	if !a.admin.enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "admin login is disabled"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	if !a.admin.matches(strings.TrimSpace(req.Email), strings.TrimSpace(req.Password)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := a.admin.issue(time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// requireAdmin rejects requests without a valid admin bearer token.
func (a *API) requireAdmin(c *gin.Context) {
	if !a.admin.enabled() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access is disabled"})
		return
	}
	raw, err := bearer(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if _, err := a.admin.verify(raw); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}
