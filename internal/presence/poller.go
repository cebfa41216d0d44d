package presence

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/openclaw"
)

// Source supplies the agent list and their status files.
// openclaw.Dir satisfies it.
type Source interface {
	ReadConfig() (*openclaw.Config, error)
	ReadStatus(id string) (openclaw.AgentStatus, bool, error)
}

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	// Interval between polls
	Interval time.Duration

	// ConcurrencyLimit bounds parallel status reads
	ConcurrencyLimit int

	// Now is injectable for tests.
	Now func() time.Time

	// Logger for poll failures
	Logger *log.Logger
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Interval:         5 * time.Second,
		ConcurrencyLimit: 8,
		Now:              time.Now,
		Logger:           log.New(os.Stderr, "[presence] ", log.LstdFlags),
	}
}

// Poller periodically reads every configured agent's status file and
// reports it to a Sink. An agent without a readable status is reported
// offline with the current time as its heartbeat.
type Poller struct {
	source Source
	sink   Sink
	config *PollerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. Call Start to begin polling.
func NewPoller(source Source, sink Sink, config *PollerConfig) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	defaults := DefaultPollerConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ConcurrencyLimit <= 0 {
		config.ConcurrencyLimit = defaults.ConcurrencyLimit
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Poller{source: source, sink: sink, config: config}, nil
}

// Start polls once immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		if err := p.Poll(p.ctx); err != nil && p.ctx.Err() == nil {
			p.config.Logger.Printf("Poll failed: %v", err)
		}
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				if err := p.Poll(p.ctx); err != nil && p.ctx.Err() == nil {
					p.config.Logger.Printf("Poll failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Poll reads all agent statuses once, in parallel.
func (p *Poller) Poll(ctx context.Context) error {
	cfg, err := p.source.ReadConfig()
	if err != nil {
		return fmt.Errorf("failed to read agent list: %w", err)
	}
	if cfg == nil || len(cfg.Agents.List) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.ConcurrencyLimit)

	for _, agent := range cfg.Agents.List {
		id := agent.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.sink.OnAgentStatus(id, p.read(id))
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) read(id string) openclaw.AgentStatus {
	status, ok, err := p.source.ReadStatus(id)
	if err != nil {
		p.config.Logger.Printf("Status for %s unreadable: %v", id, err)
	}
	if err != nil || !ok {
		return openclaw.AgentStatus{
			AgentID:       id,
			Status:        openclaw.StatusOffline,
			LastHeartbeat: schema.FormatTimestamp(p.config.Now()),
		}
	}
	return status
}
