package rpc

import (
	"encoding/json"

	"github.com/goevery/chatrelay/internal/ierr"
)

type Request struct {
	Id     int              `json:"id,omitempty"`
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params,omitempty"`
}

// NewNotification builds a server-originated event frame. Notifications never
// carry an id and are never answered.
func NewNotification(method string, params any) (Request, error) {
	rawJson, err := json.Marshal(params)
	if err != nil {
		return Request{}, err
	}

	payload := json.RawMessage(rawJson)

	return Request{
		Method: method,
		Params: &payload,
	}, nil
}

func (r Request) ReplyExpected() bool {
	return r.Id != 0
}

func (r Request) Reply(result *json.RawMessage) Response {
	return Response{
		RequestId: r.Id,
		Result:    result,
	}
}

func (r Request) ReplyWithError(err ierr.Error) Response {
	return Response{
		RequestId: r.Id,
		Error:     &err,
	}
}

type Response struct {
	RequestId int              `json:"requestId,omitempty"`
	Result    *json.RawMessage `json:"result,omitempty"`
	Error     *ierr.Error      `json:"error,omitempty"`
}
