package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type RESTServer struct {
	logger *zap.Logger

	accountHandler *handler.AccountHandler
	historyHandler *handler.HistoryHandler
	rosterHandler  *handler.RosterHandler
}

func NewRESTServer(
	logger *zap.Logger,
	accountHandler *handler.AccountHandler,
	historyHandler *handler.HistoryHandler,
	rosterHandler *handler.RosterHandler,
) *RESTServer {
	return &RESTServer{
		logger,
		accountHandler,
		historyHandler,
		rosterHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	api.HandleFunc("/auth/register", s.credentials(s.accountHandler.Register)).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", s.credentials(s.accountHandler.Login)).Methods("POST", "OPTIONS")

	api.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			return
		}

		var request handler.HistoryRequest
		if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
			limit, err := strconv.Atoi(rawLimit)
			if err != nil {
				s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid limit")))
				return
			}
			request.Limit = limit
		}

		messages, err := s.historyHandler.Handle(r.Context(), request)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, messages)
	}).Methods("GET", "OPTIONS")

	api.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			return
		}

		s.writeJSON(w, http.StatusOK, s.rosterHandler.Handle(r.Context()))
	}).Methods("GET", "OPTIONS")
}

type credentialsFunc func(ctx context.Context, req handler.CredentialsRequest) (handler.SessionResponse, error)

func (s *RESTServer) credentials(handle credentialsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			return
		}

		var credentialsRequest handler.CredentialsRequest
		err := json.NewDecoder(r.Body).Decode(&credentialsRequest)
		if err != nil {
			s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body")))
			return
		}

		response, err := handle(r.Context(), credentialsRequest)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, response)
	}
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var handlerErr ierr.Error
	if !errors.As(err, &handlerErr) {
		s.logger.Error("error in rest handler", zap.Error(err))
		handlerErr = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	s.writeJSON(w, httpStatus(handlerErr.Code), handlerErr)
}

func httpStatus(code ierr.ErrorCode) int {
	switch code {
	case ierr.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ierr.ErrorCodeNotFound:
		return http.StatusNotFound
	case ierr.ErrorCodeAlreadyExists:
		return http.StatusConflict
	case ierr.ErrorCodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case ierr.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ierr.ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ierr.ErrorCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ierr.ErrorCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		next.ServeHTTP(w, r)
	})
}
