package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/ierr"
	"github.com/goevery/chatrelay/internal/rpc"
	"go.uber.org/zap"
)

const (
	MethodHeartbeat  = "heartbeat"
	MethodAuth       = "auth"
	MethodMessage    = "message"
	MethodTyping     = "typing"
	MethodStopTyping = "stop-typing"
)

// Router is the dispatch table for inbound events of an active session.
type Router struct {
	logger *zap.Logger

	heartbeatHandler   handler.HeartbeatHandlerInterface
	authHandler        handler.AuthHandlerInterface
	sendMessageHandler handler.SendMessageHandlerInterface
	typingHandler      handler.TypingHandlerInterface
}

func NewRouter(
	logger *zap.Logger,
	heartbeatHandler handler.HeartbeatHandlerInterface,
	authHandler handler.AuthHandlerInterface,
	sendMessageHandler handler.SendMessageHandlerInterface,
	typingHandler handler.TypingHandlerInterface,
) *Router {
	return &Router{
		logger,
		heartbeatHandler,
		authHandler,
		sendMessageHandler,
		typingHandler,
	}
}

// RouteRequest returns the frame to send back to the originating session, or
// nil. Failures of requests without id become a single error event.
func (r *Router) RouteRequest(ctx context.Context, request rpc.Request) any {
	response, err := r.Handle(ctx, request)
	if err != nil {
		handlerErr := r.mapError(err)

		if !request.ReplyExpected() {
			return broadcaster.Event{
				Name:    broadcaster.EventError,
				Payload: broadcaster.ErrorEvent{Message: handlerErr.Message},
			}
		}

		return request.ReplyWithError(handlerErr)
	}

	if !request.ReplyExpected() {
		return nil
	}

	if response == nil {
		r.logger.Error("handler did not return a response but one was expected", zap.String("method", request.Method))

		return request.ReplyWithError(
			ierr.New(ierr.ErrorCodeInternal, errors.New("internal error")),
		)
	}

	rawJson, err := json.Marshal(response)
	if err != nil {
		return request.ReplyWithError(r.mapError(err))
	}

	payload := json.RawMessage(rawJson)

	return request.Reply(&payload)
}

func (r *Router) Handle(ctx context.Context, request rpc.Request) (any, error) {
	switch request.Method {
	case MethodHeartbeat:
		return r.heartbeatHandler.Handle(), nil
	case MethodAuth:
		var authReq handler.AuthRequest
		if err := decodeParams(request.Params, &authReq); err != nil {
			return nil, err
		}

		return r.authHandler.Handle(ctx, authReq)
	case MethodMessage:
		var sendReq handler.SendMessageRequest
		if err := decodeParams(request.Params, &sendReq); err != nil {
			return nil, err
		}

		return r.sendMessageHandler.Handle(ctx, sendReq)
	case MethodTyping:
		return r.typingHandler.Start(ctx)
	case MethodStopTyping:
		return r.typingHandler.Stop(ctx)
	default:
		return nil, ierr.New(ierr.ErrorCodeNotFound, errors.New("method not found: "+request.Method))
	}
}

func (r *Router) mapError(err error) ierr.Error {
	var handlerErr ierr.Error
	if errors.As(err, &handlerErr) {
		return handlerErr
	}

	r.logger.Error("error in rpc handler", zap.Error(err))

	return ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
}

func decodeParams(params *json.RawMessage, v any) error {
	if params == nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("missing params"))
	}

	if err := json.Unmarshal(*params, v); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid params: "+err.Error()))
	}

	return nil
}
