// Package pool implements the Connection Pool (§4.B): per-host reusable
// HTTP client sessions with health tracking, grounded on the teacher's
// shared-transport construction in util/httpclient.go
// (createTransport/GetSharedClient), generalized here to an
// instance-owned, per-host registry instead of a package-level singleton
// (§9 anti-singleton guidance).
package pool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jandresen/hlsdl/internal/config"
	"github.com/jandresen/hlsdl/internal/util"
)

// Session is a pooled HTTP client scoped to one host.
type Session struct {
	Host   string
	Client *http.Client

	released atomic.Bool
}

// Pool hands out per-host Sessions under global and per-host size caps.
// Acquisition never fails: under saturation the caller waits on the
// host's semaphore, observing ctx cancellation (§4.B failure semantics).
type Pool struct {
	cfg config.NetworkConfig

	mu       sync.Mutex
	perHost  map[string]*hostPool
	total    chan struct{} // global pool cap
}

type hostPool struct {
	sem        chan struct{}
	client     *http.Client
	lastUsed   time.Time
}

// New creates a Pool sized per cfg (defaults: total 20, per-host 8, per §4.B).
func New(cfg config.NetworkConfig) *Pool {
	total := cfg.ConnectionPoolSize
	if total <= 0 {
		total = 20
	}
	p := &Pool{
		cfg:     cfg,
		perHost: make(map[string]*hostPool),
		total:   make(chan struct{}, total),
	}
	go p.monitorIdle()
	return p
}

// HostOf extracts the scheme+authority key used for pooling (§3 Host).
func HostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Scheme + "://" + u.Host
}

func (p *Pool) getHostPool(host string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.perHost[host]
	if !ok {
		cap := p.cfg.MaxConnectionsPerHost
		if cap <= 0 {
			cap = 8
		}
		hp = &hostPool{
			sem:      make(chan struct{}, cap),
			client:   p.newClient(),
			lastUsed: time.Now(),
		}
		p.perHost[host] = hp
	}
	return hp
}

func (p *Pool) newClient() *http.Client {
	connTimeout := p.cfg.ConnectionTimeout
	if connTimeout <= 0 {
		connTimeout = 30 * time.Second
	}
	keepAlive := p.cfg.KeepAliveTimeout
	if keepAlive <= 0 {
		keepAlive = 90 * time.Second
	}
	transport := &http.Transport{
		Proxy: proxyFunc(p.cfg.Proxy),
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        p.cfg.ConnectionPoolSize,
		MaxIdleConnsPerHost: p.cfg.MaxConnectionsPerHost,
		MaxConnsPerHost:     p.cfg.MaxConnectionsPerHost,
		IdleConnTimeout:     keepAlive,
		TLSHandshakeTimeout: connTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !p.cfg.VerifySSL, // #nosec G402 - caller-controlled per §6 network.verify_ssl
		},
	}
	return &http.Client{Transport: transport}
}

func proxyFunc(proxy string) func(*http.Request) (*url.URL, error) {
	if proxy == "" {
		return http.ProxyFromEnvironment
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(u)
}

// Acquire returns a Session for url's host, blocking on the host's
// semaphore under saturation until ctx is done (§4.B).
func (p *Pool) Acquire(ctx context.Context, rawurl string) (*Session, error) {
	host := HostOf(rawurl)
	hp := p.getHostPool(host)

	select {
	case p.total <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case hp.sem <- struct{}{}:
	case <-ctx.Done():
		<-p.total
		return nil, ctx.Err()
	}

	p.mu.Lock()
	hp.lastUsed = time.Now()
	p.mu.Unlock()

	return &Session{Host: host, Client: hp.client}, nil
}

// Release returns sess to the pool. On success=false the underlying
// client's idle connections for the host are discarded rather than
// reused, matching §4.B's "session is discarded" rule. Idempotent:
// releasing the same session again has no effect.
func (p *Pool) Release(sess *Session, success bool) {
	if sess.released.Swap(true) {
		return
	}
	p.mu.Lock()
	hp, ok := p.perHost[sess.Host]
	p.mu.Unlock()
	if !ok {
		return
	}

	if !success {
		if t, ok := hp.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}

	select {
	case <-hp.sem:
	default:
	}
	select {
	case <-p.total:
	default:
	}
}

// monitorIdle periodically purges per-host sessions idle beyond the
// keep-alive timeout (§4.B "a monitoring task periodically purges idle
// sessions").
func (p *Pool) monitorIdle() {
	interval := p.cfg.KeepAliveTimeout
	if interval <= 0 {
		interval = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		now := time.Now()
		for host, hp := range p.perHost {
			if now.Sub(hp.lastUsed) > interval {
				if t, ok := hp.client.Transport.(*http.Transport); ok {
					t.CloseIdleConnections()
				}
				util.Debugf("pool: purged idle sessions for host=%s", host)
			}
		}
		p.mu.Unlock()
	}
}
