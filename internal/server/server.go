package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-codearena/internal/challenge"
	"github.com/npezzotti/go-codearena/internal/config"
	"github.com/npezzotti/go-codearena/internal/sandbox"
	"github.com/npezzotti/go-codearena/internal/stats"
	"github.com/npezzotti/go-codearena/internal/types"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/teris-io/shortid"
)

const (
	MetricActiveRooms        = "ActiveRooms"
	MetricConnectedClients   = "ConnectedClients"
	MetricExecutionsInFlight = "ExecutionsInFlight"
	MetricEditsApplied       = "EditsApplied"
	MetricEditsRejected      = "EditsRejected"
)

const idleSweepInterval = time.Minute

// ChallengeSelector resolves the challenge a new room plays.
type ChallengeSelector interface {
	PickRandom(ctx context.Context, challengeType string) (types.Challenge, error)
}

type unloadRoomRequest struct {
	key RoomKey
}

// ArenaServer owns the set of live rooms. Room creation and
// destruction are serialized through its Run loop, which makes the
// one-room-per-key invariant hold without per-key locks.
type ArenaServer struct {
	log      *log.Logger
	selector ChallengeSelector
	runner   sandbox.Runner
	stats    stats.StatsProvider

	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	rooms          map[RoomKey]*Room

	gracePeriod     time.Duration
	idleTimeout     time.Duration
	optimisticMerge bool

	stop chan struct{}
	done chan struct{}
}

func NewArenaServer(logger *log.Logger, selector ChallengeSelector, runner sandbox.Runner, sp stats.StatsProvider, cfg *config.Config) (*ArenaServer, error) {
	as := &ArenaServer{
		log:             logger,
		selector:        selector,
		runner:          runner,
		stats:           sp,
		clients:         make(map[*Client]struct{}),
		joinChan:        make(chan *ClientMessage, 256),
		registerChan:    make(chan *Client),
		deRegisterChan:  make(chan *Client),
		unloadRoomChan:  make(chan unloadRoomRequest, 64),
		rooms:           make(map[RoomKey]*Room),
		gracePeriod:     cfg.RoomGracePeriod,
		idleTimeout:     cfg.IdleRoomTimeout,
		optimisticMerge: true,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	for _, name := range []string{
		MetricActiveRooms,
		MetricConnectedClients,
		MetricExecutionsInFlight,
		MetricEditsApplied,
		MetricEditsRejected,
	} {
		sp.RegisterMetric(name)
	}

	return as, nil
}

func (as *ArenaServer) Run() {
	sweep := time.NewTicker(idleSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case joinMsg := <-as.joinChan:
			as.handleJoin(joinMsg)
		case client := <-as.registerChan:
			as.addClient(client)
		case client := <-as.deRegisterChan:
			as.removeClient(client)
		case req := <-as.unloadRoomChan:
			as.unloadRoom(req.key)
		case now := <-sweep.C:
			as.sweepIdleRooms(now)
		case <-as.stop:
			as.log.Println("shutting down rooms")
			for key, r := range as.rooms {
				as.log.Printf("shutting down room %v", key)
				close(r.exit)
				<-r.done
			}

			close(as.done)
			return
		}
	}
}

func (as *ArenaServer) handleJoin(joinMsg *ClientMessage) {
	key := RoomKey{
		ChallengeId: joinMsg.Join.ChallengeId,
		RoomId:      joinMsg.Join.RoomId,
	}

	if room, ok := as.rooms[key]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			as.log.Printf("join channel full on room %v", key)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	// first joiner creates the room; the challenge is resolved before
	// the room exists so a selection failure leaves nothing behind and
	// a retry starts clean
	chal, err := as.selector.PickRandom(context.Background(), key.ChallengeId)
	if err != nil {
		as.log.Printf("select challenge for room %v: %v", key, err)
		if errors.Is(err, challenge.ErrNotFound) {
			joinMsg.client.queueMessage(ErrChallengeNotFound(joinMsg.Id))
		} else {
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	room := &Room{
		key:                key,
		status:             StatusForming,
		challenge:          chal,
		as:                 as,
		joinChan:           make(chan *ClientMessage, 256),
		leaveChan:          make(chan *ClientMessage, 256),
		clientMsgChan:      make(chan *ClientMessage, 256),
		execDoneChan:       make(chan types.ExecutionResult, 1),
		idleCheckChan:      make(chan time.Time, 1),
		clients:            make(map[*Client]struct{}),
		participantClients: make(map[string]map[*Client]struct{}),
		dmp:                diffmatchpatch.New(),
		optimisticMerge:    as.optimisticMerge,
		exit:               make(chan exitReq),
		done:               make(chan struct{}),
		log:                as.log,
	}

	as.rooms[key] = room
	as.stats.Incr(MetricActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

func (as *ArenaServer) unloadRoom(key RoomKey) {
	r, ok := as.rooms[key]
	if !ok {
		return
	}

	as.log.Printf("removing room %v", key)
	delete(as.rooms, key)
	as.stats.Decr(MetricActiveRooms)

	done := make(chan RoomKey)
	r.exit <- exitReq{done: done}
	<-done
}

func (as *ArenaServer) sweepIdleRooms(now time.Time) {
	for key, r := range as.rooms {
		select {
		case r.idleCheckChan <- now:
		default:
			as.log.Printf("idle check skipped for busy room %v", key)
		}
	}
}

func (as *ArenaServer) RegisterClient(c *Client) {
	as.registerChan <- c
}

func (as *ArenaServer) addClient(c *Client) {
	as.clientsLock.Lock()
	defer as.clientsLock.Unlock()
	as.clients[c] = struct{}{}
	as.stats.Incr(MetricConnectedClients)
}

func (as *ArenaServer) removeClient(c *Client) {
	as.clientsLock.Lock()
	defer as.clientsLock.Unlock()
	if _, ok := as.clients[c]; !ok {
		return
	}
	delete(as.clients, c)
	as.stats.Decr(MetricConnectedClients)
}

func (as *ArenaServer) newRequestId() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only fails on a misconfigured worker; fall back to a
		// timestamp so the run still carries an identifier
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id
}

func (as *ArenaServer) Shutdown(ctx context.Context) error {
	as.log.Println("received shutdown signal")

	as.clientsLock.Lock()
	for c := range as.clients {
		c.stopClient()
	}
	as.clientsLock.Unlock()

	close(as.stop)

	select {
	case <-as.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
