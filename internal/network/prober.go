package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// ProberConfig configures a Prober.
type ProberConfig struct {
	// URL is requested with HEAD; any response below 500 counts as online.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Class is reported while connected. The prober cannot tell link types
	// apart, so the host states it.
	Class  ConnectionClass
	Client *http.Client
}

// DefaultProberConfig returns the default prober configuration.
func DefaultProberConfig(url string) ProberConfig {
	return ProberConfig{
		URL:      url,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Class:    ClassOther,
	}
}

// Prober is a Monitor that polls a health endpoint.
type Prober struct {
	config ProberConfig
	client *http.Client
	state  *Manual

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProber creates a Prober. It reports disconnected until the first probe.
func NewProber(config ProberConfig) *Prober {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Class == "" {
		config.Class = ClassOther
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &Prober{
		config: config,
		client: client,
		state:  NewManual(Status{Class: config.Class}),
	}
}

// Status returns the result of the last probe.
func (p *Prober) Status() Status { return p.state.Status() }

// Subscribe registers a change listener.
func (p *Prober) Subscribe(fn func(Status)) func() { return p.state.Subscribe(fn) }

// Probe checks the endpoint once and updates the status.
func (p *Prober) Probe(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		} else {
			logging.Debug("Connectivity probe failed", map[string]interface{}{
				"url":   p.config.URL,
				"error": err.Error(),
			})
		}
	}

	status := Status{Connected: online, Class: p.config.Class}
	p.state.Set(status)
	return status
}

// Start probes immediately and then every Interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx, p.stopCh)
}

func (p *Prober) loop(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ticker.C:
			p.Probe(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends polling and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
