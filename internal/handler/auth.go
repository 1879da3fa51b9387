package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/ierr"
)

type AuthRequest struct {
	Token string `json:"token"`
}

type AuthHandlerInterface interface {
	Handle(ctx context.Context, req AuthRequest) (*auth.Identity, error)
}

type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{
		authenticator,
	}
}

func (h *AuthHandler) Handle(ctx context.Context, req AuthRequest) (*auth.Identity, error) {
	if _, ok := broadcaster.ConnectionFromContext(ctx); ok {
		return nil, ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection is already authenticated"))
	}

	token := strings.TrimSpace(strings.TrimPrefix(req.Token, "Bearer "))
	if token == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing token"))
	}

	return h.authenticator.AuthenticateJWT(token)
}
