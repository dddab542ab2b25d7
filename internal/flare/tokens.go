package flare

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the credential set issued by every sign-in path.
type TokenPair struct {
	AccessToken      string     `json:"accessToken"`
	AccessExpiresAt  time.Time  `json:"accessTokenExpiresAt"`
	RefreshToken     string     `json:"refreshToken"`
	RefreshExpiresAt time.Time  `json:"refreshTokenExpiresAt"`
	SessionGroupID   string     `json:"sessionGroupId"`
	User             *User      `json:"user"`
	Workspace        *Workspace `json:"workspace"`
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func opaqueToken(kind TokenKind) string {
	return fmt.Sprintf("bf%s_%s", kind, randomHex(24))
}

// issuePair records a fresh access and refresh token under groupID.
func (e *Engine) issuePair(st *State, user *User, ws *Workspace, kind TokenKind, groupID string) *TokenPair {
	now := e.now()
	if groupID == "" {
		groupID = randomHex(12)
	}
	access := &AuthToken{
		Token:          opaqueToken(kind),
		UserID:         user.ID,
		WorkspaceID:    ws.ID,
		Kind:           kind,
		SessionGroupID: groupID,
		ExpiresAt:      now.Add(e.settings.AccessTokenTTL),
		CreatedAt:      now,
	}
	refresh := &AuthToken{
		Token:          opaqueToken(TokenRefresh),
		UserID:         user.ID,
		WorkspaceID:    ws.ID,
		Kind:           TokenRefresh,
		SessionGroupID: groupID,
		ExpiresAt:      now.Add(e.settings.RefreshTokenTTL),
		CreatedAt:      now,
	}
	st.AuthTokens[access.Token] = access
	st.AuthTokens[refresh.Token] = refresh
	pair := &TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		SessionGroupID:   groupID,
		User:             clonePtr(user),
		Workspace:        clonePtr(ws),
	}
	pair.User.RecoveryCodes = nil
	return pair
}

// runtimeClaims are the fields carried by a runtime JWT.
type runtimeClaims struct {
	UserID      string
	WorkspaceID string
	SessionID   string
	ID          string
}

// runtimeSigner issues and verifies HS256 runtime tokens.
type runtimeSigner struct {
	secret []byte
	clock  Clock
}

func (s *runtimeSigner) sign(c runtimeClaims, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.UserID,
		"ws":  c.WorkspaceID,
		"sid": c.SessionID,
		"jti": c.ID,
		"iat": s.clock.Now().Unix(),
		"exp": expiresAt.Unix(),
	})
	return token.SignedString(s.secret)
}

func (s *runtimeSigner) verify(tokenString string) (*runtimeClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	out := &runtimeClaims{}
	for key, dst := range map[string]*string{"sub": &out.UserID, "ws": &out.WorkspaceID, "sid": &out.SessionID, "jti": &out.ID} {
		v, ok := claims[key].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("invalid %s claim", key)
		}
		*dst = v
	}
	return out, nil
}
