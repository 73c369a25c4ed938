// Package auth turns bearer tokens into entity.AuthContext.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type Claims struct {
	Roles     []entity.Role `json:"roles"`
	BranchIDs []string      `json:"branch_ids,omitempty"`
	Language  string        `json:"lang,omitempty"`
	jwt.RegisteredClaims
}

type Parser struct {
	secret []byte
}

func NewParser(secret string) Parser {
	if secret == "" {
		panic("missing jwt secret")
	}

	return Parser{secret: []byte(secret)}
}

// ParseHeader parses the value of an Authorization header.
func (p Parser) ParseHeader(header string) (entity.AuthContext, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return entity.AuthContext{}, entity.ErrUnauthorized
	}
	return p.Parse(raw)
}

func (p Parser) Parse(raw string) (entity.AuthContext, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return entity.AuthContext{}, fmt.Errorf("invalid bearer token (%s): %w", err.Error(), entity.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return entity.AuthContext{}, fmt.Errorf("token has no subject: %w", entity.ErrUnauthorized)
	}
	roles := claims.Roles
	if len(roles) == 0 {
		roles = []entity.Role{entity.RoleCustomer}
	}

	return entity.AuthContext{
		UserID:    claims.Subject,
		Roles:     roles,
		BranchIDs: claims.BranchIDs,
		Language:  claims.Language,
	}, nil
}

// Issue signs a token for auth, valid for ttl.
func (p Parser) Issue(auth entity.AuthContext, ttl time.Duration) (string, error) {
	if auth.UserID == "" {
		return "", errors.New("missing user id")
	}

	now := time.Now()
	claims := Claims{
		Roles:     auth.Roles,
		BranchIDs: auth.BranchIDs,
		Language:  auth.Language,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   auth.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signed, nil
}
