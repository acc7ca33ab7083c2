// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminRole       = "admin"
	ctxKeyAdminUser = "admin_user"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleAdminLogin checks the configured credentials and issues a signed
// bearer token. Only the password hash lives in config; a missing hash
// means the admin console is disabled.
func (s *Server) handleAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	if s.cfg.Admin.PasswordHash == "" ||
		req.Username != s.cfg.Admin.Username {
		s.respondUnauthorized(c)
		return
	}
	err := bcrypt.CompareHashAndPassword(
		[]byte(s.cfg.Admin.PasswordHash),
		[]byte(req.Password),
	)
	if err != nil {
		s.logger.Warn(
			"admin login rejected",
			"username", req.Username,
			"client", c.ClientIP(),
		)
		s.respondUnauthorized(c)
		return
	}
	expiresAt := time.Now().Add(
		time.Duration(s.cfg.Admin.TokenTtl) * time.Second,
	)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  req.Username,
		"role": adminRole,
		"iat":  time.Now().Unix(),
		"exp":  expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte(s.cfg.Admin.JwtSecret))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("admin login", "username", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": expiresAt.UTC(),
	})
}

// adminAuth guards the admin routes: a valid HS256 bearer token with the
// admin role, or a 401
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			s.respondUnauthorized(c)
			return
		}
		token, err := jwt.Parse(
			raw,
			func(t *jwt.Token) (any, error) {
				return []byte(s.cfg.Admin.JwtSecret), nil
			},
			jwt.WithValidMethods([]string{"HS256"}),
		)
		if err != nil || !token.Valid {
			s.respondUnauthorized(c)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != adminRole {
			s.respondUnauthorized(c)
			return
		}
		if sub, ok := claims["sub"].(string); ok {
			c.Set(ctxKeyAdminUser, sub)
		}
		c.Next()
	}
}

// adminUser returns the authenticated admin's name for audit columns
func (s *Server) adminUser(c *gin.Context) string {
	if name := c.GetString(ctxKeyAdminUser); name != "" {
		return name
	}
	return adminRole
}

func (s *Server) respondUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   codeUnauthorized,
		"message": "authentication required",
	})
}
