package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/logger"
)

// cancelStopTimeout bounds how long a canceled container gets to exit
// gracefully before it is force-removed.
const cancelStopTimeout = 3 * time.Second

// pooled is one live executor container.
type pooled struct {
	containerID string
	sessionID   string
	userID      string
	ip          string
	port        int
	lastUsed    time.Time
	busy        bool
}

// Endpoint is what the dispatch pipeline needs to reach an executor.
type Endpoint struct {
	ContainerID string
	BaseURL     string
}

// Pool keeps at most capacity executor containers, one per session, and
// evicts the least recently used idle container when full.
type Pool struct {
	docker   *Docker
	image    string
	port     int
	capacity int
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*pooled
}

// NewPool creates a container pool.
func NewPool(docker *Docker, image string, port, capacity int, log *logger.Logger) *Pool {
	return &Pool{
		docker:   docker,
		image:    image,
		port:     port,
		capacity: capacity,
		logger:   log.WithFields(zap.String("component", "container-pool")),
		sessions: make(map[string]*pooled),
	}
}

// GetOrCreate returns a running executor for the session, reusing a healthy
// container when one exists.
func (p *Pool) GetOrCreate(ctx context.Context, sessionID, userID, workspacePath string, env []string) (*Endpoint, error) {
	p.mu.Lock()
	existing := p.sessions[sessionID]
	p.mu.Unlock()

	if existing != nil {
		info, err := p.docker.Inspect(ctx, existing.containerID)
		if err == nil && info.State == "running" {
			p.mu.Lock()
			existing.lastUsed = time.Now()
			existing.busy = true
			p.mu.Unlock()
			return &Endpoint{
				ContainerID: existing.containerID,
				BaseURL:     fmt.Sprintf("http://%s:%d", existing.ip, existing.port),
			}, nil
		}
		// Stale entry: the container died or was removed out of band.
		p.logger.Warn("discarding dead pooled container",
			zap.String("session_id", sessionID),
			zap.String("container_id", existing.containerID))
		p.remove(ctx, existing)
	}

	if err := p.evictIfFull(ctx); err != nil {
		return nil, err
	}

	name := "opencowork-executor-" + sessionID
	containerID, err := p.docker.Launch(ctx, Spec{
		Name:          name,
		Image:         p.image,
		Env:           env,
		WorkspacePath: workspacePath,
		SessionID:     sessionID,
		UserID:        userID,
		Port:          p.port,
	})
	if err != nil {
		return nil, err
	}
	info, err := p.docker.Inspect(ctx, containerID)
	if err != nil {
		_ = p.docker.Remove(context.WithoutCancel(ctx), containerID, true)
		return nil, err
	}

	entry := &pooled{
		containerID: containerID,
		sessionID:   sessionID,
		userID:      userID,
		ip:          info.IP,
		port:        p.port,
		lastUsed:    time.Now(),
		busy:        true,
	}
	p.mu.Lock()
	p.sessions[sessionID] = entry
	p.mu.Unlock()

	return &Endpoint{
		ContainerID: containerID,
		BaseURL:     fmt.Sprintf("http://%s:%d", info.IP, p.port),
	}, nil
}

// Release marks a session's container idle, making it eligible for eviction.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.sessions[sessionID]; ok {
		entry.busy = false
		entry.lastUsed = time.Now()
	}
}

// evictIfFull removes the least recently used idle container when the pool
// is at capacity. All containers busy means the caller must wait.
func (p *Pool) evictIfFull(ctx context.Context) error {
	p.mu.Lock()
	if len(p.sessions) < p.capacity {
		p.mu.Unlock()
		return nil
	}
	var victim *pooled
	for _, entry := range p.sessions {
		if entry.busy {
			continue
		}
		if victim == nil || entry.lastUsed.Before(victim.lastUsed) {
			victim = entry
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return fmt.Errorf("container pool at capacity (%d) with no idle containers", p.capacity)
	}
	p.logger.Info("evicting idle executor container",
		zap.String("session_id", victim.sessionID),
		zap.String("container_id", victim.containerID))
	p.remove(ctx, victim)
	return nil
}

// Cancel stops a session's container: graceful stop with a short timeout,
// then force removal.
func (p *Pool) Cancel(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	entry := p.sessions[sessionID]
	p.mu.Unlock()
	if entry == nil {
		return nil
	}
	if err := p.docker.Stop(ctx, entry.containerID, cancelStopTimeout); err != nil {
		p.logger.Warn("graceful stop failed, forcing removal",
			zap.String("container_id", entry.containerID),
			zap.Error(err))
	}
	p.remove(ctx, entry)
	return nil
}

func (p *Pool) remove(ctx context.Context, entry *pooled) {
	if err := p.docker.Remove(ctx, entry.containerID, true); err != nil {
		p.logger.Warn("failed to remove container",
			zap.String("container_id", entry.containerID),
			zap.Error(err))
	}
	p.mu.Lock()
	if current, ok := p.sessions[entry.sessionID]; ok && current.containerID == entry.containerID {
		delete(p.sessions, entry.sessionID)
	}
	p.mu.Unlock()
}

// Shutdown removes every pooled container.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	entries := make([]*pooled, 0, len(p.sessions))
	for _, entry := range p.sessions {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	for _, entry := range entries {
		_ = p.docker.Stop(ctx, entry.containerID, cancelStopTimeout)
		p.remove(ctx, entry)
	}
}

// Size returns the number of pooled containers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
