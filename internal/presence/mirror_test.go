package presence

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codeblock/internal/models"
	"codeblock/internal/utils"
)

func setupMirror(t *testing.T, mr *miniredis.Miniredis) *Mirror {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewMirror(rdb, utils.NewLoggerTo(&bytes.Buffer{}))
	t.Cleanup(m.Close)
	return m
}

func startRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestMirrorWritesSessionRecord(t *testing.T) {
	mr := startRedis(t)
	m := setupMirror(t, mr)

	m.SessionOpened("b1")
	m.MembershipChanged("b1", 2, "client-a")

	waitUntil(t, 2*time.Second, func() bool {
		return mr.Exists("block:b1") && mr.HGet("block:b1", "participants") == "2"
	})
	if got := mr.HGet("block:b1", "mentor"); got != "client-a" {
		t.Fatalf("expected mentor client-a, got %q", got)
	}
	if got := mr.HGet("block:b1", "instance"); got != m.InstanceID() {
		t.Fatalf("expected instance %s, got %q", m.InstanceID(), got)
	}
	if ttl := mr.TTL("block:b1"); ttl != 24*time.Hour {
		t.Fatalf("expected 24h expiry, got %s", ttl)
	}

	st, err := m.Status(context.Background(), "b1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.BlockID != "b1" || st.Participants != 2 || !st.HasMentor || st.MentorID != "client-a" {
		t.Fatalf("unexpected status: %#v", st)
	}
	if st.CreatedAt.IsZero() {
		t.Fatalf("expected createdAt to be parsed")
	}
}

func TestMirrorMentorlessRecord(t *testing.T) {
	mr := startRedis(t)
	m := setupMirror(t, mr)

	m.SessionOpened("b2")
	m.MembershipChanged("b2", 1, "")

	waitUntil(t, 2*time.Second, func() bool {
		return mr.HGet("block:b2", "participants") == "1"
	})
	st, err := m.Status(context.Background(), "b2")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasMentor {
		t.Fatalf("expected no mentor, got %#v", st)
	}
}

func TestMirrorDeletesOnClose(t *testing.T) {
	mr := startRedis(t)
	m := setupMirror(t, mr)

	m.SessionOpened("b1")
	m.MembershipChanged("b1", 1, "a")
	m.SessionClosed("b1")

	waitUntil(t, 2*time.Second, func() bool {
		_, err := m.Status(context.Background(), "b1")
		return errors.Is(err, ErrNotFound)
	})
	if mr.Exists("block:b1") {
		t.Fatalf("expected record removed")
	}
}

func TestMirrorStatusUnknownBlock(t *testing.T) {
	mr := startRedis(t)
	m := setupMirror(t, mr)

	if _, err := m.Status(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMirrorRemoteEvents(t *testing.T) {
	mr := startRedis(t)
	local := setupMirror(t, mr)
	remote := setupMirror(t, mr)

	var mu sync.Mutex
	var localSeen, remoteSeen []models.SessionEvent
	local.OnRemoteEvent(func(e models.SessionEvent) {
		mu.Lock()
		localSeen = append(localSeen, e)
		mu.Unlock()
	})
	remote.OnRemoteEvent(func(e models.SessionEvent) {
		mu.Lock()
		remoteSeen = append(remoteSeen, e)
		mu.Unlock()
	})
	time.Sleep(50 * time.Millisecond)

	local.SessionOpened("b1")
	local.SessionClosed("b1")

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(remoteSeen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if remoteSeen[0].Type != EventSessionStarted || remoteSeen[1].Type != EventSessionEnded {
		t.Fatalf("unexpected remote events: %#v", remoteSeen)
	}
	if remoteSeen[0].Instance != local.InstanceID() || remoteSeen[0].BlockID != "b1" {
		t.Fatalf("unexpected event origin: %#v", remoteSeen[0])
	}
	if len(localSeen) != 0 {
		t.Fatalf("own events must be ignored, got %#v", localSeen)
	}
}

func TestMirrorCloseFlushesAndIsIdempotent(t *testing.T) {
	mr := startRedis(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewMirror(rdb, utils.NewLoggerTo(&bytes.Buffer{}))

	m.SessionOpened("b1")
	m.Close()
	m.Close()

	if !mr.Exists("block:b1") {
		t.Fatalf("expected queued update applied before close")
	}
	m.MembershipChanged("b1", 3, "x")
}
