package auth

import (
	"errors"
	"time"

	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

const Audience = "chat-relay"

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Identity is the stable user a credential resolves to. It never changes for
// the lifetime of a connection.
type Identity struct {
	Id          string `json:"id"`
	DisplayName string `json:"username"`
}

type Authenticator struct {
	secret    []byte
	tokenTTL  time.Duration
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, tokenTTL time.Duration) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(Audience),
	)

	return &Authenticator{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		jwtParser: jwtParser,
	}
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

func (a *Authenticator) AuthenticateJWT(tokenString string) (*Identity, error) {
	claims := Claims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid subject claim"))
	}

	if claims.Name == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid name claim"))
	}

	return &Identity{
		Id:          subject,
		DisplayName: claims.Name,
	}, nil
}

func (a *Authenticator) IssueToken(identity Identity) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Id,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
		Name: identity.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(a.secret)
}
