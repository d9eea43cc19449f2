package providers

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ClientPool hands out upstream HTTP clients. Providers without a proxy
// override share one client; each distinct proxy URL gets its own.
//
// Clients carry no overall timeout: streamed responses may legitimately run
// for minutes, so deadlines come from the request context.
type ClientPool struct {
	shared *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// NewClientPool returns a pool whose shared client uses a tuned copy of the
// default transport.
func NewClientPool() *ClientPool {
	return &ClientPool{
		shared:  &http.Client{Transport: newTransport(nil)},
		proxied: make(map[string]*http.Client),
	}
}

func newTransport(proxy *url.URL) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Bodies are decoded explicitly so usage can be parsed from them.
		DisableCompression: true,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

// Shared returns the client used by providers without a proxy override.
func (c *ClientPool) Shared() *http.Client { return c.shared }

// For returns the client to use for p.
func (c *ClientPool) For(p *Provider) (*http.Client, error) {
	pc := p.Meta.ProxyConfig
	if pc == nil || !pc.Enabled || strings.TrimSpace(pc.URL) == "" {
		return c.shared, nil
	}
	raw := strings.TrimSpace(pc.URL)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.proxied[raw]; ok {
		return cl, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("providers: provider %s: invalid proxy url %q", p.ID, raw)
	}
	cl := &http.Client{Transport: newTransport(u)}
	c.proxied[raw] = cl
	return cl, nil
}

// CloseIdle drops idle keep-alive connections of every pooled client.
func (c *ClientPool) CloseIdle() {
	c.shared.CloseIdleConnections()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.proxied {
		cl.CloseIdleConnections()
	}
}
