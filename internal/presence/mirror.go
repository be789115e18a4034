package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codeblock/internal/models"
	"codeblock/internal/utils"
)

const (
	EventsChannel = "blocks:events"

	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"

	keyPrefix  = "block:"
	recordTTL  = 24 * time.Hour
	queueSize  = 256
	opTimeout  = 2 * time.Second
	drainLimit = 5 * time.Second
)

var ErrNotFound = errors.New("block not found")

type opKind int

const (
	opOpened opKind = iota
	opMembers
	opClosed
)

type op struct {
	kind         opKind
	blockID      string
	participants int
	mentor       string
	at           time.Time
}

// Mirror copies the lifecycle of this instance's block sessions into Redis so
// other instances and operators can see them. Room callbacks only enqueue;
// a single worker applies the writes in order.
type Mirror struct {
	rdb        *redis.Client
	instanceID string
	log        *utils.Logger

	ops    chan op
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu       sync.RWMutex
	onRemote func(models.SessionEvent)
}

func Connect(redisAddr string, log *utils.Logger) *Mirror {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return NewMirror(rdb, log)
}

func NewMirror(rdb *redis.Client, log *utils.Logger) *Mirror {
	if log == nil {
		log = utils.NewLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		rdb:        rdb,
		instanceID: uuid.New().String(),
		ops:        make(chan op, queueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.log = log.With("instance", m.instanceID)

	go m.run()
	go m.subscribe()

	m.log.Info("presence mirror initialized")
	return m
}

func (m *Mirror) InstanceID() string { return m.instanceID }

// OnRemoteEvent registers fn for lifecycle events published by other
// instances.
func (m *Mirror) OnRemoteEvent(fn func(models.SessionEvent)) {
	m.mu.Lock()
	m.onRemote = fn
	m.mu.Unlock()
}

func (m *Mirror) SessionOpened(blockID string) {
	m.enqueue(op{kind: opOpened, blockID: blockID})
}

func (m *Mirror) MembershipChanged(blockID string, participants int, mentorID string) {
	m.enqueue(op{kind: opMembers, blockID: blockID, participants: participants, mentor: mentorID})
}

func (m *Mirror) SessionClosed(blockID string) {
	m.enqueue(op{kind: opClosed, blockID: blockID})
}

func (m *Mirror) enqueue(o op) {
	o.at = time.Now()
	select {
	case <-m.stop:
		return
	default:
	}
	select {
	case m.ops <- o:
	default:
		m.log.Warn("presence queue full, dropping update", "block", o.blockID)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case o := <-m.ops:
			m.apply(o)
		case <-m.stop:
			m.drain()
			return
		}
	}
}

func (m *Mirror) drain() {
	deadline := time.After(drainLimit)
	for {
		select {
		case o := <-m.ops:
			m.apply(o)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opOpened:
		err = m.writeRecord(ctx, o, true)
		if err == nil {
			err = m.publish(ctx, EventSessionStarted, o)
		}
	case opMembers:
		err = m.writeRecord(ctx, o, false)
	case opClosed:
		err = m.rdb.Del(ctx, key(o.blockID)).Err()
		if err == nil {
			err = m.publish(ctx, EventSessionEnded, o)
		}
	}
	if err != nil {
		m.log.Warn("presence update failed", "block", o.blockID, "error", err.Error())
	}
}

func (m *Mirror) writeRecord(ctx context.Context, o op, created bool) error {
	stamp := o.at.UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"blockId":   o.blockID,
		"instance":  m.instanceID,
		"updatedAt": stamp,
	}
	if created {
		fields["createdAt"] = stamp
		fields["participants"] = 0
		fields["mentor"] = ""
	} else {
		fields["participants"] = o.participants
		fields["mentor"] = o.mentor
	}

	k := key(o.blockID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, k, fields)
	pipe.Expire(ctx, k, recordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) publish(ctx context.Context, kind string, o op) error {
	data, err := json.Marshal(models.SessionEvent{
		Type:      kind,
		BlockID:   o.blockID,
		Instance:  m.instanceID,
		Timestamp: o.at,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	return m.rdb.Publish(ctx, EventsChannel, data).Err()
}

// subscribe listens for lifecycle events from other instances.
func (m *Mirror) subscribe() {
	pubsub := m.rdb.Subscribe(m.ctx, EventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				m.log.Warn("failed to unmarshal session event", "error", err.Error())
				continue
			}
			if event.Instance == m.instanceID {
				continue
			}
			m.log.Info("remote session event", "type", event.Type, "block", event.BlockID, "from", event.Instance)

			m.mu.RLock()
			fn := m.onRemote
			m.mu.RUnlock()
			if fn != nil {
				fn(event)
			}
		}
	}
}

// Status reads the mirrored record of a block, whichever instance hosts it.
func (m *Mirror) Status(ctx context.Context, blockID string) (*models.BlockStatus, error) {
	vals, err := m.rdb.HGetAll(ctx, key(blockID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get block from Redis: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	st := &models.BlockStatus{
		BlockID:   vals["blockId"],
		MentorID:  vals["mentor"],
		HasMentor: vals["mentor"] != "",
		Instance:  vals["instance"],
	}
	if n, err := strconv.Atoi(vals["participants"]); err == nil {
		st.Participants = n
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["createdAt"]); err == nil {
		st.CreatedAt = t
	}
	return st, nil
}

// Close applies queued updates, stops the subscriber and closes Redis.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.cancel()
		if err := m.rdb.Close(); err != nil {
			m.log.Warn("failed to close redis client", "error", err.Error())
		}
		m.log.Info("presence mirror closed")
	})
}

func key(blockID string) string { return keyPrefix + blockID }
