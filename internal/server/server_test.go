package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-codearena/internal/challenge"
	"github.com/npezzotti/go-codearena/internal/sandbox"
	"github.com/npezzotti/go-codearena/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func startTestArenaServer(t *testing.T, selector ChallengeSelector, runner sandbox.Runner) *ArenaServer {
	t.Helper()

	as := newTestArenaServer(t, selector, runner)
	go as.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := as.Shutdown(ctx); err != nil {
			t.Errorf("arena server shutdown: %v", err)
		}
	})
	return as
}

func sendJoin(t *testing.T, as *ArenaServer, id int, c *Client, challengeId, roomId string) {
	t.Helper()
	select {
	case as.joinChan <- &ClientMessage{
		BaseMessage:   BaseMessage{Id: id},
		Join:          &Join{ChallengeId: challengeId, RoomId: roomId},
		ParticipantId: c.participant.Id,
		client:        c,
	}:
	case <-time.After(time.Second):
		t.Fatal("timeout sending join")
	}
}

// recvResponse skips broadcasts until a direct response arrives.
func recvResponse(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.Response != nil {
				return msg
			}
		case <-deadline:
			t.Fatal("timeout waiting for response")
			return nil
		}
	}
}

func recvCodeState(t *testing.T, c *Client) *CodeStateUpdate {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.CodeState != nil {
				return msg.CodeState
			}
		case <-deadline:
			t.Fatal("timeout waiting for code state update")
			return nil
		}
	}
}

func recvExecResult(t *testing.T, c *Client) *ExecResult {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.ExecResult != nil {
				return msg.ExecResult
			}
		case <-deadline:
			t.Fatal("timeout waiting for execution result")
			return nil
		}
	}
}

func Test_Run_oneRoomPerKey(t *testing.T) {
	selector := &MockSelector{}
	selector.On("PickRandom", mock.Anything, "algo-42").
		Return(types.Challenge{Id: "ch-1", Title: "Two Sum"}, nil)

	as := startTestArenaServer(t, selector, &sandbox.MockRunner{})

	a := newTestClient("p1", "alice")
	b := newTestClient("p2", "bob")
	sendJoin(t, as, 1, a, "algo-42", "room-7")
	sendJoin(t, as, 2, b, "algo-42", "room-7")

	replyA := recvResponse(t, a)
	assert.Equal(t, http.StatusOK, replyA.Response.ResponseCode)
	replyB := recvResponse(t, b)
	assert.Equal(t, http.StatusOK, replyB.Response.ResponseCode)

	// both joins landed in the same room: only one challenge was selected
	selector.AssertNumberOfCalls(t, "PickRandom", 1)

	snapA, ok := replyA.Response.Data.(types.Room)
	require.True(t, ok)
	snapB, ok := replyB.Response.Data.(types.Room)
	require.True(t, ok)
	assert.Equal(t, snapA.CodeState, snapB.CodeState, "both joiners observe the same initial state")
}

func Test_Run_challengeSelectionFails(t *testing.T) {
	t.Run("no eligible challenge", func(t *testing.T) {
		selector := &MockSelector{}
		selector.On("PickRandom", mock.Anything, "empty-type").
			Return(types.Challenge{}, challenge.ErrNotFound)

		as := startTestArenaServer(t, selector, &sandbox.MockRunner{})

		c := newTestClient("p1", "alice")
		sendJoin(t, as, 1, c, "empty-type", "room-1")

		reply := recvResponse(t, c)
		assert.Equal(t, http.StatusNotFound, reply.Response.ResponseCode)
	})

	t.Run("content store unavailable is retryable", func(t *testing.T) {
		selector := &MockSelector{}
		selector.On("PickRandom", mock.Anything, "algo-42").
			Return(types.Challenge{}, errors.New("content store down")).Once()
		selector.On("PickRandom", mock.Anything, "algo-42").
			Return(types.Challenge{Id: "ch-1"}, nil).Once()

		as := startTestArenaServer(t, selector, &sandbox.MockRunner{})

		c := newTestClient("p1", "alice")
		sendJoin(t, as, 1, c, "algo-42", "room-1")
		reply := recvResponse(t, c)
		assert.Equal(t, http.StatusServiceUnavailable, reply.Response.ResponseCode)

		// no half-created room is left behind: the retry creates one
		sendJoin(t, as, 2, c, "algo-42", "room-1")
		reply = recvResponse(t, c)
		assert.Equal(t, http.StatusOK, reply.Response.ResponseCode)
		selector.AssertNumberOfCalls(t, "PickRandom", 2)
	})
}

func Test_Run_teardownAndRecreate(t *testing.T) {
	selector := &MockSelector{}
	selector.On("PickRandom", mock.Anything, "algo-42").
		Return(types.Challenge{Id: "ch-1"}, nil)

	as := startTestArenaServer(t, selector, &sandbox.MockRunner{})

	c := newTestClient("p1", "alice")
	sendJoin(t, as, 1, c, "algo-42", "room-7")
	reply := recvResponse(t, c)
	require.Equal(t, http.StatusOK, reply.Response.ResponseCode)

	// advance the buffer so a stale room would be observable
	content := "print(1)"
	c.forwardToRoom(&ClientMessage{
		BaseMessage:   BaseMessage{Id: 2},
		Edit:          &Edit{RoomId: "room-7", BaseRevision: 0, Content: &content},
		ParticipantId: "p1",
		client:        c,
	}, "room-7")
	upd := recvCodeState(t, c)
	require.Equal(t, 1, upd.Revision)

	c.leaveRoom(&ClientMessage{
		BaseMessage:   BaseMessage{Id: 3},
		Leave:         &Leave{RoomId: "room-7"},
		ParticipantId: "p1",
		client:        c,
	})
	recvResponse(t, c)

	// wait out the grace period and the asynchronous unload
	assert.Eventually(t, func() bool {
		return c.getRoom("room-7") == nil
	}, 2*time.Second, 10*time.Millisecond, "room should be torn down after the grace period")

	// a fresh join gets a brand-new room, not a resurrected one
	sendJoin(t, as, 4, c, "algo-42", "room-7")
	reply = recvResponse(t, c)
	require.Equal(t, http.StatusOK, reply.Response.ResponseCode)
	snap, ok := reply.Response.Data.(types.Room)
	require.True(t, ok)
	assert.Equal(t, 0, snap.CodeState.Revision, "recreated room starts at revision 0")
	assert.Empty(t, snap.CodeState.Content)
	selector.AssertNumberOfCalls(t, "PickRandom", 2)
}

func Test_Run_endToEnd(t *testing.T) {
	selector := &MockSelector{}
	selector.On("PickRandom", mock.Anything, "algo-42").
		Return(types.Challenge{Id: "ch-1", Title: "Two Sum", Xp: 100}, nil)

	runner := &sandbox.MockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(req sandbox.RunRequest) bool {
		return req.Code == "print(1)"
	})).Return(types.ExecutionResult{
		Status:     types.ExecStatusCompleted,
		Stdout:     "1",
		ExitCode:   0,
		DurationMs: 5,
	}, nil)

	as := startTestArenaServer(t, selector, runner)

	a := newTestClient("p1", "alice")
	b := newTestClient("p2", "bob")
	sendJoin(t, as, 1, a, "algo-42", "room-7")
	replyA := recvResponse(t, a)
	require.Equal(t, http.StatusOK, replyA.Response.ResponseCode)

	sendJoin(t, as, 2, b, "algo-42", "room-7")
	replyB := recvResponse(t, b)
	require.Equal(t, http.StatusOK, replyB.Response.ResponseCode)

	snapA := replyA.Response.Data.(types.Room)
	snapB := replyB.Response.Data.(types.Room)
	assert.Equal(t, snapA.CodeState, snapB.CodeState)

	// A edits revision 0 -> 1
	content := "print(1)"
	a.forwardToRoom(&ClientMessage{
		BaseMessage:   BaseMessage{Id: 3},
		Edit:          &Edit{RoomId: "room-7", BaseRevision: 0, Content: &content},
		ParticipantId: "p1",
		client:        a,
	}, "room-7")

	updA := recvCodeState(t, a)
	updB := recvCodeState(t, b)
	assert.Equal(t, 1, updA.Revision)
	assert.Equal(t, "print(1)", updA.Content)
	assert.Equal(t, updA, updB, "both participants receive the same update")

	// A requests a run; both receive the result
	a.forwardToRoom(&ClientMessage{
		BaseMessage:   BaseMessage{Id: 4},
		Run:           &Run{RoomId: "room-7", Inputs: []string{}},
		ParticipantId: "p1",
		client:        a,
	}, "room-7")

	resA := recvExecResult(t, a)
	resB := recvExecResult(t, b)
	assert.Equal(t, types.ExecStatusCompleted, resA.Status)
	assert.Equal(t, "1", resA.Stdout)
	assert.Equal(t, 0, resA.ExitCode)
	assert.Equal(t, resA.ExecutionResult, resB.ExecutionResult)

	// room is Active again: the next edit is accepted
	content2 := "print(2)"
	b.forwardToRoom(&ClientMessage{
		BaseMessage:   BaseMessage{Id: 5},
		Edit:          &Edit{RoomId: "room-7", BaseRevision: 1, Content: &content2},
		ParticipantId: "p2",
		client:        b,
	}, "room-7")
	upd2 := recvCodeState(t, b)
	assert.Equal(t, 2, upd2.Revision)
}

func Test_Shutdown(t *testing.T) {
	selector := &MockSelector{}
	selector.On("PickRandom", mock.Anything, "algo-42").
		Return(types.Challenge{Id: "ch-1"}, nil)

	as := newTestArenaServer(t, selector, &sandbox.MockRunner{})
	go as.Run()

	c := newTestClient("p1", "alice")
	sendJoin(t, as, 1, c, "algo-42", "room-7")
	reply := recvResponse(t, c)
	require.Equal(t, http.StatusOK, reply.Response.ResponseCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, as.Shutdown(ctx))

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.Notification != nil && msg.Notification.RoomClosed != nil {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for room closed notification")
		}
	}
}

func Test_addClient_removeClient(t *testing.T) {
	as := newTestArenaServer(t, &MockSelector{}, &sandbox.MockRunner{})

	c := newTestClient("p1", "alice")
	as.addClient(c)
	assert.Contains(t, as.clients, c)

	as.removeClient(c)
	assert.NotContains(t, as.clients, c)

	// removing twice is a no-op
	as.removeClient(c)
	assert.Empty(t, as.clients)
}
