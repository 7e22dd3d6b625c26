// ABOUTME: Routing back end on Redis with expiring route keys
// ABOUTME: Routes of locally connected jobs are refreshed so a crashed server's routes age out

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRouteTTL is how long a route survives without a refresh.
const DefaultRouteTTL = 30 * time.Second

const keyPrefix = "stream-gateway:agent-route:"

// releaseScript deletes a route only while it still names this server.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends a route this server still owns and recreates an expired
// one. A route naming another server is left alone.
var renewScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return rdb, nil
}

// RedisService implements Service on Redis.
type RedisService struct {
	rdb      *redis.Client
	serverID string
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	local map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var _ Service = (*RedisService)(nil)

// NewRedisService creates the service and starts refreshing local routes.
func NewRedisService(rdb *redis.Client, serverID string, ttl time.Duration, logger *slog.Logger) *RedisService {
	if ttl <= 0 {
		ttl = DefaultRouteTTL
	}
	s := &RedisService{
		rdb:      rdb,
		serverID: serverID,
		ttl:      ttl,
		logger:   logger.With("component", "routing", "backend", BackendRedis),
		local:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	go s.refreshLoop()
	return s
}

func routeKey(jobID string) string {
	return keyPrefix + jobID
}

func (s *RedisService) HandleClientConnected(ctx context.Context, jobID string) error {
	s.mu.Lock()
	s.local[jobID] = struct{}{}
	s.mu.Unlock()

	if err := s.rdb.Set(ctx, routeKey(jobID), s.serverID, s.ttl).Err(); err != nil {
		return fmt.Errorf("record route for job %s: %w", jobID, err)
	}
	s.logger.Debug("agent route recorded", "job_id", jobID, "server_id", s.serverID)
	return nil
}

func (s *RedisService) HandleClientDisconnected(ctx context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.local, jobID)
	s.mu.Unlock()

	deleted, err := releaseScript.Run(ctx, s.rdb, []string{routeKey(jobID)}, s.serverID).Int()
	if err != nil {
		return fmt.Errorf("remove route for job %s: %w", jobID, err)
	}
	s.logger.Debug("agent route released", "job_id", jobID, "deleted", deleted == 1)
	return nil
}

func (s *RedisService) IsAgentConnectionLocal(ctx context.Context, jobID string) (bool, error) {
	host, err := s.HostnameForAgentConnection(ctx, jobID)
	if errors.Is(err, ErrNoRoute) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return host == s.serverID, nil
}

func (s *RedisService) HostnameForAgentConnection(ctx context.Context, jobID string) (string, error) {
	host, err := s.rdb.Get(ctx, routeKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: job %s", ErrNoRoute, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("look up route for job %s: %w", jobID, err)
	}
	return host, nil
}

func (s *RedisService) refreshLoop() {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.ttl/3)
			if err := s.refresh(ctx); err != nil {
				s.logger.Warn("failed to refresh agent routes", "error", err)
			}
			cancel()
		case <-s.done:
			return
		}
	}
}

// refresh renews the route of every locally connected job. Routes another
// server has taken over since are not touched.
func (s *RedisService) refresh(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]string, 0, len(s.local))
	for jobID := range s.local {
		jobs = append(jobs, jobID)
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}
	ttlMillis := s.ttl.Milliseconds()
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.Cmd, len(jobs))
	for i, jobID := range jobs {
		cmds[i] = renewScript.Eval(ctx, pipe, []string{routeKey(jobID)}, s.serverID, ttlMillis)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	for i, cmd := range cmds {
		if renewed, err := cmd.Int(); err == nil && renewed == 0 {
			s.logger.Debug("agent route owned by another server, not renewed", "job_id", jobs[i])
		}
	}
	return nil
}

// Close stops the refresh loop. The redis client is owned by the caller.
func (s *RedisService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
