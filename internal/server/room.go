package server

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-codearena/internal/sandbox"
	"github.com/npezzotti/go-codearena/internal/types"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Room statuses. All transitions happen on the room's own goroutine.
const (
	StatusForming   = "forming"
	StatusActive    = "active"
	StatusExecuting = "executing"
	StatusClosed    = "closed"
)

// RoomKey identifies a live room. At most one room exists per key.
type RoomKey struct {
	ChallengeId string `json:"challenge_id"`
	RoomId      string `json:"room_id"`
}

type exitReq struct {
	done chan RoomKey
}

type Room struct {
	key       RoomKey
	status    string
	challenge types.Challenge
	// code is the authoritative buffer. Mutated only on the room
	// goroutine, through acceptEdit.
	code         types.CodeState
	participants []types.Participant
	as           *ArenaServer

	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	execDoneChan  chan types.ExecutionResult
	idleCheckChan chan time.Time

	clients map[*Client]struct{}
	// participantClients groups connections by participant so presence
	// only changes when a participant's last connection goes away.
	participantClients map[string]map[*Client]struct{}
	clientLock         sync.RWMutex

	dmp             *diffmatchpatch.DiffMatchPatch
	optimisticMerge bool

	// pendingRun is the depth-1 queue behind the in-flight execution.
	pendingRun *ClientMessage
	running    bool
	// closeAfterExec defers teardown until the in-flight run finishes.
	closeAfterExec bool

	lastActivity time.Time
	// killTimer tears the room down once it has been empty for the
	// grace period.
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
	log       *log.Logger
}

func (r *Room) start() {
	r.log.Printf("starting room %v", r.key)
	r.killTimer = time.NewTimer(r.as.gracePeriod)
	r.killTimer.Stop()
	r.lastActivity = time.Now()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Edit != nil {
				r.handleEdit(msg)
			} else if msg.Run != nil {
				r.handleRun(msg)
			}
		case res := <-r.execDoneChan:
			r.handleExecDone(res)
		case now := <-r.idleCheckChan:
			r.handleIdleCheck(now)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e, ok := <-r.exit:
			r.handleRoomExit(e, ok)
			return
		}
	}
}

func (r *Room) snapshot() types.Room {
	return types.Room{
		ChallengeId:  r.key.ChallengeId,
		RoomId:       r.key.RoomId,
		Status:       r.status,
		Challenge:    r.challenge,
		CodeState:    r.code,
		Participants: slices.Clone(r.participants),
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	if r.status == StatusClosed {
		join.client.queueMessage(ErrRoomClosed(join.Id))
		return
	}

	// a rejoin within the grace period keeps the room alive and cancels
	// any teardown deferred behind an in-flight run
	r.killTimer.Stop()
	r.closeAfterExec = false

	c := join.client
	r.addClient(c)

	if !slices.ContainsFunc(r.participants, func(p types.Participant) bool {
		return p.Id == c.participant.Id
	}) {
		p := c.participant
		p.JoinedAt = Now()
		r.participants = append(r.participants, p)
	}

	if r.status == StatusForming {
		r.status = StatusActive
	}
	r.lastActivity = time.Now()

	// full-snapshot resync: the joiner always receives the current
	// authoritative state, whether joining fresh or reconnecting
	c.queueMessage(NoErrOK(join.Id, r.snapshot()))

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			Presence: &Presence{
				Present:       true,
				ParticipantId: c.participant.Id,
				DisplayName:   c.participant.DisplayName,
				RoomId:        r.key.RoomId,
			},
		},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client
	r.removeClient(client)

	if leaveMsg.Id != 0 {
		// explicit leave rather than a dropped connection
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	r.clientLock.RLock()
	gone := r.participantClients[client.participant.Id] == nil
	r.clientLock.RUnlock()

	if gone {
		r.participants = slices.DeleteFunc(r.participants, func(p types.Participant) bool {
			return p.Id == client.participant.Id
		})

		r.broadcast(&ServerMessage{
			Notification: &Notification{
				Presence: &Presence{
					Present:       false,
					ParticipantId: client.participant.Id,
					RoomId:        r.key.RoomId,
				},
			},
			SkipClient: client,
		})
	}
}

// handleEdit applies last-accepted-wins with revision fencing. A stale
// edit carrying a patch may still merge when optimistic merge is
// enabled; otherwise the sender is resynced with the authoritative
// state.
func (r *Room) handleEdit(msg *ClientMessage) {
	if r.status == StatusClosed {
		msg.client.queueMessage(ErrRoomClosed(msg.Id))
		return
	}

	op := msg.Edit
	if op.Content == nil && op.Patch == "" {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if op.BaseRevision == r.code.Revision {
		newContent := r.code.Content
		if op.Content != nil {
			newContent = *op.Content
		} else {
			applied, ok := r.applyPatch(op.Patch)
			if !ok {
				r.rejectEdit(msg)
				return
			}
			newContent = applied
		}

		r.acceptEdit(msg, newContent)
		return
	}

	// revision fence failed: a concurrent edit intervened
	if r.optimisticMerge && op.Patch != "" {
		if applied, ok := r.applyPatch(op.Patch); ok {
			r.acceptEdit(msg, applied)
			return
		}
	}

	r.rejectEdit(msg)
}

func (r *Room) applyPatch(patchText string) (string, bool) {
	patches, err := r.dmp.PatchFromText(patchText)
	if err != nil {
		return "", false
	}

	applied, results := r.dmp.PatchApply(patches, r.code.Content)
	for _, ok := range results {
		if !ok {
			return "", false
		}
	}

	return applied, true
}

func (r *Room) acceptEdit(msg *ClientMessage, newContent string) {
	r.code.Content = newContent
	r.code.Revision++
	r.code.LastEditorId = msg.ParticipantId
	r.lastActivity = time.Now()
	r.as.stats.Incr(MetricEditsApplied)

	msg.client.queueMessage(NoErrAccepted(msg.Id))

	// everyone sees the same update, the editor included, so no client
	// depends on local echo
	r.broadcast(&ServerMessage{
		CodeState: &CodeStateUpdate{
			ChallengeId:  r.key.ChallengeId,
			RoomId:       r.key.RoomId,
			Revision:     r.code.Revision,
			Content:      r.code.Content,
			LastEditorId: r.code.LastEditorId,
		},
	})
}

// rejectEdit resends the authoritative state so the client can resync.
// This is the recovery path for divergence, not a hard error.
func (r *Room) rejectEdit(msg *ClientMessage) {
	r.as.stats.Incr(MetricEditsRejected)
	msg.client.queueMessage(ErrRevisionConflict(msg.Id))
	msg.client.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		CodeState: &CodeStateUpdate{
			ChallengeId:  r.key.ChallengeId,
			RoomId:       r.key.RoomId,
			Revision:     r.code.Revision,
			Content:      r.code.Content,
			LastEditorId: r.code.LastEditorId,
		},
	})
}

func (r *Room) handleRun(msg *ClientMessage) {
	if r.status == StatusClosed {
		msg.client.queueMessage(ErrRoomClosed(msg.Id))
		return
	}

	if r.code.Content == "" && msg.Run.Inputs == nil {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if r.running {
		if r.pendingRun != nil {
			msg.client.queueMessage(ErrTooManyRuns(msg.Id))
			return
		}

		// queued behind the in-flight run, dispatched when it completes
		r.pendingRun = msg
		msg.client.queueMessage(NoErrAccepted(msg.Id))
		return
	}

	r.dispatchRun(msg)
}

func (r *Room) dispatchRun(msg *ClientMessage) {
	req := sandbox.RunRequest{
		RequestId: r.as.newRequestId(),
		Code:      r.code.Content,
		Inputs:    msg.Run.Inputs,
	}
	if r.challenge.TimeLimitSec > 0 {
		req.Deadline = time.Duration(r.challenge.TimeLimitSec) * time.Second
	}

	r.running = true
	r.status = StatusExecuting
	r.lastActivity = time.Now()
	r.as.stats.Incr(MetricExecutionsInFlight)

	msg.client.queueMessage(NoErrAccepted(msg.Id))

	go func() {
		res, err := r.as.runner.Run(context.Background(), req)
		if err != nil {
			r.log.Printf("run %s in room %v: %v", req.RequestId, r.key, err)
			res = types.ExecutionResult{
				RequestId: req.RequestId,
				Status:    types.ExecStatusUnavailable,
			}
		}
		r.execDoneChan <- res
	}()
}

func (r *Room) handleExecDone(res types.ExecutionResult) {
	r.running = false
	r.as.stats.Decr(MetricExecutionsInFlight)
	r.status = StatusActive
	r.lastActivity = time.Now()

	r.broadcast(&ServerMessage{
		ExecResult: &ExecResult{
			RoomId:          r.key.RoomId,
			ExecutionResult: res,
		},
	})

	if r.closeAfterExec {
		r.requestUnload()
		return
	}

	if r.pendingRun != nil {
		next := r.pendingRun
		r.pendingRun = nil

		// the buffer may have been edited while the first run was in
		// flight, so the queued run is re-validated against the fresh
		// snapshot it will execute
		if r.code.Content == "" && next.Run.Inputs == nil {
			next.client.queueMessage(ErrInvalidMessage(next.Id))
			return
		}

		r.dispatchRun(next)
	}
}

func (r *Room) handleIdleCheck(now time.Time) {
	if now.Sub(r.lastActivity) < r.as.idleTimeout {
		return
	}

	if r.running {
		// reaping is deferred until the in-flight run completes
		r.log.Printf("room %v idle but executing, deferring reap", r.key)
		return
	}

	r.log.Printf("room %v idle for %s, unloading", r.key, now.Sub(r.lastActivity))
	r.requestUnload()
}

func (r *Room) handleRoomTimeout() {
	// Stop cannot drain a value already sitting in the timer channel, so
	// a fire racing a rejoin can still arrive here
	r.clientLock.RLock()
	occupied := len(r.clients) > 0
	r.clientLock.RUnlock()
	if occupied {
		return
	}

	if r.running {
		r.log.Printf("room %v empty with execution in flight, closing after completion", r.key)
		r.closeAfterExec = true
		return
	}

	r.log.Printf("room %v grace period elapsed", r.key)
	r.requestUnload()
}

func (r *Room) requestUnload() {
	select {
	case r.as.unloadRoomChan <- unloadRoomRequest{key: r.key}:
	default:
		r.log.Printf("unload channel full for room %v, retrying after grace period", r.key)
		r.killTimer.Reset(r.as.gracePeriod)
	}
}

func (r *Room) handleRoomExit(e exitReq, signalled bool) {
	r.log.Printf("room %v is exiting", r.key)
	r.status = StatusClosed

	// requests still buffered when the loop stops get a terminal reply
	// instead of vanishing
drain:
	for {
		select {
		case m := <-r.joinChan:
			m.client.queueMessage(ErrRoomClosed(m.Id))
		case m := <-r.clientMsgChan:
			m.client.queueMessage(ErrRoomClosed(m.Id))
		default:
			break drain
		}
	}

	if r.running {
		// an in-flight execution runs to completion, its result is
		// discarded since nobody remains to receive it
		res := <-r.execDoneChan
		r.as.stats.Decr(MetricExecutionsInFlight)
		r.log.Printf("discarding result of run %s in closed room %v", res.RequestId, r.key)
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			RoomClosed: &RoomClosed{
				ChallengeId: r.key.ChallengeId,
				RoomId:      r.key.RoomId,
			},
		},
	})

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.key.RoomId)
	}
	r.clientLock.Unlock()

	if signalled && e.done != nil {
		e.done <- r.key
	}

	close(r.done)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.participantClients[c.participant.Id] == nil {
		r.participantClients[c.participant.Id] = make(map[*Client]struct{})
	}
	r.participantClients[c.participant.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		r.log.Printf("client %q not found in room %v", c.participant.Id, r.key)
		return
	}

	delete(r.clients, c)
	c.delRoom(r.key.RoomId)

	if pcs, ok := r.participantClients[c.participant.Id]; ok {
		delete(pcs, c)
		if len(pcs) == 0 {
			delete(r.participantClients, c.participant.Id)
		}
	}

	// the last connection leaving arms the grace timer instead of
	// tearing the room down, tolerating reconnect-on-refresh
	if len(r.clients) == 0 {
		r.log.Printf("no clients in room %v, starting kill timer", r.key)
		r.killTimer.Reset(r.as.gracePeriod)
	}
}

// broadcast queues the message on every client's send channel. A slow
// client drops the message rather than blocking delivery to the rest
// of the room.
func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
