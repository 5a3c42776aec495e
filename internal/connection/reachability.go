package connection

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// watchers is the subscriber list shared by the Reachability implementations.
type watchers struct {
	mu     sync.Mutex
	online bool
	next   int
	fns    map[int]func(bool)
}

func (w *watchers) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

func (w *watchers) Subscribe(fn func(bool)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(bool))
	}
	id := w.next
	w.next++
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

// set records online and notifies subscribers when it changed.
func (w *watchers) set(online bool) {
	w.mu.Lock()
	if w.online == online {
		w.mu.Unlock()
		return
	}
	w.online = online
	fns := make([]func(bool), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// StaticReachability is a Reachability driven by Set. Hosts that learn about
// connectivity from the OS push changes into it.
type StaticReachability struct{ watchers }

// NewStaticReachability returns a StaticReachability in the given state.
func NewStaticReachability(online bool) *StaticReachability {
	r := &StaticReachability{}
	r.online = online
	return r
}

// Set updates the state.
func (r *StaticReachability) Set(online bool) { r.set(online) }

// Probe decides reachability by dialling a TCP address on an interval.
type Probe struct {
	watchers
	addr     string
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProbe returns a Probe for addr. The first check runs in Run.
func NewProbe(addr string, interval time.Duration, log *zap.Logger) *Probe {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d := &net.Dialer{}
	return &Probe{
		addr:     addr,
		interval: interval,
		timeout:  interval / 2,
		log:      log,
		dial:     d.DialContext,
	}
}

// ProbeAddress derives host:port from a server URL.
func ProbeAddress(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Run checks reachability until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	p.check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Probe) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		if p.Online() {
			p.log.Info("network unreachable", zap.String("addr", p.addr), zap.Error(err))
		}
		p.set(false)
		return
	}
	_ = conn.Close()
	if !p.Online() {
		p.log.Info("network reachable", zap.String("addr", p.addr))
	}
	p.set(true)
}
