package connectivity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ProberConfig holds configuration for a Prober.
type ProberConfig struct {
	// HealthURL is probed with HEAD; any response below 500 counts as reachable.
	HealthURL string

	// Interval between probes.
	Interval time.Duration

	// Timeout of a single probe.
	Timeout time.Duration

	// Logger for transitions
	Logger *log.Logger
}

// DefaultProberConfig returns sensible defaults for healthURL.
func DefaultProberConfig(healthURL string) *ProberConfig {
	return &ProberConfig{
		HealthURL: healthURL,
		Interval:  15 * time.Second,
		Timeout:   3 * time.Second,
		Logger:    log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Prober is a Monitor that polls a health endpoint and publishes transitions.
type Prober struct {
	config *ProberConfig
	client *http.Client

	mu      sync.Mutex
	status  Status
	probed  bool
	running bool
	subs    subscribers

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober. Call Start to begin polling.
func NewProber(config *ProberConfig) (*Prober, error) {
	if config == nil || config.HealthURL == "" {
		return nil, fmt.Errorf("health URL cannot be empty")
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Prober{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Fetch returns the last probed status, probing synchronously if none exists yet.
func (p *Prober) Fetch(ctx context.Context) Status {
	p.mu.Lock()
	if p.probed {
		st := p.status
		p.mu.Unlock()
		return st
	}
	p.mu.Unlock()
	return p.Probe(ctx)
}

func (p *Prober) Subscribe(fn func(Status)) func() {
	return p.subs.add(fn)
}

// Probe checks the health URL once, records the result and publishes it on change.
func (p *Prober) Probe(ctx context.Context) Status {
	st := p.check(ctx)

	p.mu.Lock()
	changed := !p.probed || p.status != st
	first := !p.probed
	p.status = st
	p.probed = true
	p.mu.Unlock()

	if changed {
		if !first {
			p.config.Logger.Printf("Connectivity changed: reachable=%v", st.Reachable())
		}
		p.subs.publish(st)
	}
	return st
}

func (p *Prober) check(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.HealthURL, nil)
	if err != nil {
		return Offline()
	}
	rsp, err := p.client.Do(req)
	if err != nil {
		return Offline()
	}
	rsp.Body.Close()
	if rsp.StatusCode >= 500 {
		// The network is up but the backend is not serving.
		return Status{IsConnected: true}
	}
	return Online()
}

// Start begins polling in the background.
func (p *Prober) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("prober already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts polling and blocks until the poll goroutine exits.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	p.Probe(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
