package identity

import (
	"errors"
	"time"

	"meshroom/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRoom    = errors.New("token issued for a different room")
)

// Claims are the platform-issued assertions about a participant. Tokens are
// minted by the surrounding platform; this package only verifies them.
type Claims struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	RoomID      domain.RoomID `json:"room_id,omitempty"`
	jwt.RegisteredClaims
}

// Participant converts verified claims into a membership entry.
func (c *Claims) Participant() domain.Participant {
	return domain.Participant{
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		JoinedAt:    time.Now(),
	}
}

// Verifier validates platform-issued HS256 tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyForRoom additionally checks the room binding when the token carries
// one. Tokens without a room claim are valid for any room.
func (v *Verifier) VerifyForRoom(tokenString string, roomID domain.RoomID) (*Claims, error) {
	claims, err := v.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.RoomID != "" && claims.RoomID != roomID {
		return nil, ErrWrongRoom
	}
	return claims, nil
}
