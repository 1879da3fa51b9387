package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/persistence"
	"go.uber.org/zap"
)

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Token string        `json:"token"`
	User  auth.Identity `json:"user"`
}

var errInvalidCredentials = ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid username or password"))

type AccountHandler struct {
	logger            *zap.Logger
	usernameValidator *UsernameValidator
	userStore         persistence.UserStore
	authenticator     *auth.Authenticator
}

func NewAccountHandler(
	logger *zap.Logger,
	usernameValidator *UsernameValidator,
	userStore persistence.UserStore,
	authenticator *auth.Authenticator,
) *AccountHandler {
	return &AccountHandler{
		logger,
		usernameValidator,
		userStore,
		authenticator,
	}
}

func (h *AccountHandler) Register(ctx context.Context, req CredentialsRequest) (SessionResponse, error) {
	username := strings.TrimSpace(req.Username)

	err := h.usernameValidator.Validate(username)
	if err != nil {
		return SessionResponse{}, err
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordTooShort) {
		return SessionResponse{}, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}
	if err != nil {
		return SessionResponse{}, err
	}

	user, err := h.userStore.CreateUser(ctx, persistence.User{
		Username:     username,
		PasswordHash: passwordHash,
	})
	if errors.Is(err, persistence.ErrUserExists) {
		return SessionResponse{}, ierr.New(ierr.ErrorCodeAlreadyExists, errors.New("username is already taken"))
	}
	if err != nil {
		return SessionResponse{}, err
	}

	h.logger.Info("user registered", zap.String("username", user.Username))

	return h.issue(user)
}

func (h *AccountHandler) Login(ctx context.Context, req CredentialsRequest) (SessionResponse, error) {
	user, err := h.userStore.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, persistence.ErrUserNotFound) {
		return SessionResponse{}, errInvalidCredentials
	}
	if err != nil {
		return SessionResponse{}, err
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		return SessionResponse{}, errInvalidCredentials
	}

	return h.issue(user)
}

func (h *AccountHandler) issue(user persistence.User) (SessionResponse, error) {
	identity := auth.Identity{
		Id:          user.Id,
		DisplayName: user.Username,
	}

	token, err := h.authenticator.IssueToken(identity)
	if err != nil {
		return SessionResponse{}, err
	}

	return SessionResponse{
		Token: token,
		User:  identity,
	}, nil
}
