package exercises

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"codeblock/internal/models"
	"codeblock/internal/utils"
)

const (
	serviceName     = "codeblock"
	serviceTokenTTL = time.Minute
	defaultCacheTTL = 10 * time.Minute
	cachePrefix     = "exercise:"
)

var ErrNotFound = errors.New("exercise not found")

type Options struct {
	BaseURL       string
	ServiceSecret string
	CacheTTL      time.Duration
	Redis         *redis.Client
	HTTPClient    *http.Client
}

// Store resolves block ids to exercise definitions. Lookups go memory, then
// Redis, then the exercise service.
type Store struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
	rdb     *redis.Client
	client  *http.Client
	log     *utils.Logger

	now func() time.Time

	mu  sync.RWMutex
	mem map[string]memEntry
}

// memEntry is a locally held exercise. A zero expires never lapses.
type memEntry struct {
	ex      *models.Exercise
	expires time.Time
}

func NewStore(opts Options, log *utils.Logger) *Store {
	if log == nil {
		log = utils.NewLogger()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	var secret []byte
	if opts.ServiceSecret != "" {
		secret = []byte(opts.ServiceSecret)
	}
	return &Store{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		secret:  secret,
		ttl:     ttl,
		rdb:     opts.Redis,
		client:  client,
		log:     log,
		now:     time.Now,
		mem:     make(map[string]memEntry),
	}
}

// Put registers an exercise locally, ahead of any remote source. It stays
// until replaced.
func (s *Store) Put(ex models.Exercise) {
	s.remember(ex, time.Time{})
}

func (s *Store) remember(ex models.Exercise, expires time.Time) {
	s.mu.Lock()
	s.mem[ex.ID] = memEntry{ex: &ex, expires: expires}
	s.mu.Unlock()
}

func (s *Store) fromMemory(id string) (*models.Exercise, bool) {
	s.mu.RLock()
	e, ok := s.mem[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		s.mu.Lock()
		if cur, ok := s.mem[id]; ok && cur.expires.Equal(e.expires) {
			delete(s.mem, id)
		}
		s.mu.Unlock()
		return nil, false
	}
	copied := *e.ex
	return &copied, true
}

func (s *Store) Get(ctx context.Context, id string) (*models.Exercise, error) {
	if ex, ok := s.fromMemory(id); ok {
		return ex, nil
	}

	if ex := s.fromCache(ctx, id); ex != nil {
		s.remember(*ex, s.now().Add(s.ttl))
		return ex, nil
	}

	if s.baseURL == "" {
		return nil, ErrNotFound
	}
	ex, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, ex)
	s.remember(*ex, s.now().Add(s.ttl))
	return ex, nil
}

func (s *Store) fromCache(ctx context.Context, id string) *models.Exercise {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, cachePrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("exercise cache read failed", "block", id, "error", err.Error())
		}
		return nil
	}
	var ex models.Exercise
	if err := json.Unmarshal(data, &ex); err != nil {
		s.log.Warn("exercise cache entry corrupt", "block", id, "error", err.Error())
		return nil
	}
	return &ex
}

func (s *Store) toCache(ctx context.Context, ex *models.Exercise) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(ex)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cachePrefix+ex.ID, data, s.ttl).Err(); err != nil {
		s.log.Warn("exercise cache write failed", "block", ex.ID, "error", err.Error())
	}
}

func (s *Store) fetch(ctx context.Context, id string) (*models.Exercise, error) {
	endpoint := fmt.Sprintf("%s/blocks/%s", s.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build exercise request: %w", err)
	}
	if s.secret != nil {
		token, err := utils.GenerateServiceToken(serviceName, s.secret, serviceTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call exercise service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("exercise service returned status %d", resp.StatusCode)
	}

	var ex models.Exercise
	if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
		return nil, fmt.Errorf("failed to decode exercise response: %w", err)
	}
	if ex.ID == "" {
		ex.ID = id
	}
	return &ex, nil
}

// InitialCode renders the exercise prompt as a block comment, which is what a
// fresh block starts with.
func InitialCode(ex *models.Exercise) string {
	if ex == nil || strings.TrimSpace(ex.Prompt) == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(ex.Prompt), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeft(line, " \t")
	}
	body := strings.Join(lines, "\n")
	if ex.Language == models.LangPython {
		return "\"\"\"\n" + body + "\n\"\"\""
	}
	return "/*\n" + body + "\n*/"
}
