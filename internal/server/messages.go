package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-codearena/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join          *Join   `json:"join,omitempty"`
	Leave         *Leave  `json:"leave,omitempty"`
	Edit          *Edit   `json:"edit,omitempty"`
	Run           *Run    `json:"run,omitempty"`
	ParticipantId string  `json:"-"`
	client        *Client `json:"-"`
}

type Join struct {
	ChallengeId string `json:"challenge_id"`
	RoomId      string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// Edit is one proposed change to a room's code buffer, fenced by the
// revision the editor last observed. Content replaces the whole
// buffer; Patch is a diff-match-patch text applied to it. Exactly one
// should be set.
type Edit struct {
	RoomId       string  `json:"room_id"`
	BaseRevision int     `json:"base_revision"`
	Content      *string `json:"content,omitempty"`
	Patch        string  `json:"patch,omitempty"`
}

type Run struct {
	RoomId string   `json:"room_id"`
	Inputs []string `json:"inputs"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response        `json:"response,omitempty"`
	CodeState    *CodeStateUpdate `json:"code_state,omitempty"`
	ExecResult   *ExecResult      `json:"exec_result,omitempty"`
	Notification *Notification    `json:"notification,omitempty"`
	SkipClient   *Client          `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// CodeStateUpdate carries the authoritative buffer after an accepted
// edit. It is delivered to every participant, the editor included, so
// all clients share one deterministic view.
type CodeStateUpdate struct {
	ChallengeId  string `json:"challenge_id"`
	RoomId       string `json:"room_id"`
	Revision     int    `json:"revision"`
	Content      string `json:"content"`
	LastEditorId string `json:"last_editor_id,omitempty"`
}

type ExecResult struct {
	RoomId string `json:"room_id"`
	types.ExecutionResult
}

type Notification struct {
	Presence   *Presence   `json:"presence,omitempty"`
	RoomClosed *RoomClosed `json:"room_closed,omitempty"`
}

type Presence struct {
	Present       bool   `json:"present"`
	ParticipantId string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	RoomId        string `json:"room_id"`
}

type RoomClosed struct {
	ChallengeId string `json:"challenge_id"`
	RoomId      string `json:"room_id"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrRoomClosed(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusGone,
			Error:        "room closed",
		},
	}
}

func ErrChallengeNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "no challenge available for this type",
		},
	}
}

func ErrRevisionConflict(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusConflict,
			Error:        "revision conflict",
		},
	}
}

func ErrTooManyRuns(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusTooManyRequests,
			Error:        "a run is already queued",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
