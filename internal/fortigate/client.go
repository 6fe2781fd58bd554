// Package fortigate reads firewall policies from the FortiGate REST API.
package fortigate

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"fw-ingest/internal/fwerr"
	"fw-ingest/internal/hostguard"
	"fw-ingest/internal/payload"
	"fw-ingest/internal/types"
)

const (
	maxRetries     = 3
	maxErrorBody   = 500
	maxBodyBytes   = 64 << 20
	defaultBackoff = time.Second
)

var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client issues the policy read against one firewall. It is safe for
// concurrent use; Close releases its idle connections.
type Client struct {
	settings types.SourceSettings
	endpoint string
	http     *http.Client
	log      *slog.Logger

	// Backoff is the base delay between retries; attempt n waits Backoff<<n.
	Backoff time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPinnedAddr dials addr for every request while keeping the configured
// host for TLS and the Host header.
func WithPinnedAddr(addr string) Option {
	return func(c *Client) {
		tr := c.http.Transport.(*http.Transport).Clone()
		dialer := &net.Dialer{Timeout: c.settings.Timeout()}
		tr.DialContext = func(ctx context.Context, network, hostport string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(hostport)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
		}
		c.http.Transport = tr
	}
}

func New(settings types.SourceSettings, log *slog.Logger, opts ...Option) *Client {
	settings = settings.WithDefaults()
	host, _, err := net.SplitHostPort(settings.Address)
	if err != nil {
		host = settings.Address
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: settings.Timeout()}).DialContext,
		TLSClientConfig:     &tls.Config{ServerName: host, InsecureSkipVerify: !settings.VerifyTLS},
		TLSHandshakeTimeout: settings.Timeout(),
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		settings: settings,
		endpoint: buildEndpoint(settings),
		http:     &http.Client{Transport: transport, Timeout: settings.Timeout()},
		log:      log.With("firewall", settings.Address),
		Backoff:  defaultBackoff,
	}
	c.http.CheckRedirect = func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewGuarded resolves the firewall address through g before building the
// client, and pins every connection to the checked address.
func NewGuarded(ctx context.Context, g *hostguard.Guard, settings types.SourceSettings, log *slog.Logger, opts ...Option) (*Client, error) {
	ip, err := g.ResolveAndPin(ctx, settings.Address)
	if err != nil {
		return nil, fwerr.New(fwerr.SourceRejected, fmt.Sprintf("firewall address %q is not allowed", settings.Address), err)
	}
	opts = append([]Option{WithPinnedAddr(ip.String())}, opts...)
	return New(settings, log, opts...), nil
}

func buildEndpoint(s types.SourceSettings) string {
	host := s.Address
	if ip, err := netip.ParseAddr(host); err == nil && ip.Is6() {
		host = "[" + host + "]"
	}
	u := url.URL{
		Scheme: "https",
		Host:   host,
		Path:   "/api/" + s.APIVersion + "/cmdb/firewall/policy",
	}
	return u.String()
}

// Endpoint returns the policy URL this client reads.
func (c *Client) Endpoint() string { return c.endpoint }

// Address returns the firewall address the client was built for.
func (c *Client) Address() string { return c.settings.Address }

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Fetch reads the policy collection. Errors are *fwerr.Error with a source_* code.
func (c *Client) Fetch(ctx context.Context) (payload.Items, error) {
	c.log.Info("fortigate_fetch", "endpoint", c.endpoint)

	var (
		status int
		hdr    http.Header
		body   []byte
		err    error
	)
	for attempt := 0; ; attempt++ {
		status, hdr, body, err = c.doOnce(ctx)
		if err != nil {
			return nil, c.classifyTransport(err)
		}
		if !retryStatus[status] || attempt == maxRetries {
			break
		}
		wait := c.Backoff << uint(attempt)
		if status == http.StatusTooManyRequests {
			if ra := parseRetryAfter(hdr.Get("Retry-After")); ra > 0 {
				wait = ra
			}
		}
		c.log.Warn("fortigate_retry", "status", status, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, c.classifyTransport(ctx.Err())
		case <-time.After(wait):
		}
	}

	if err := c.checkStatus(status, body); err != nil {
		c.log.Error("fortigate_fetch_failed", "status", status, "error", err)
		return nil, err
	}

	items, shape, ok := payload.FromAPIResponse(body)
	switch {
	case shape == payload.ShapeInvalid:
		return nil, fwerr.New(fwerr.SourceMalformed, "failed to parse JSON response: "+truncate(body), nil)
	case !ok:
		c.log.Warn("fortigate_unexpected_response", "shape", shape.String())
	}
	c.log.Info("fortigate_fetched", "policies", len(items), "shape", shape.String())
	return items, nil
}

func (c *Client) doOnce(ctx context.Context) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (c *Client) checkStatus(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return fwerr.New(fwerr.SourceAuthFailed, "authentication failed: invalid or expired API token", nil)
	case status == http.StatusForbidden:
		return fwerr.New(fwerr.SourceForbidden, "access forbidden: check API token permissions", nil)
	case status == http.StatusNotFound:
		return fwerr.New(fwerr.SourceNotFound, "API endpoint not found: "+c.endpoint, nil)
	case status < 200 || status > 299:
		return fwerr.New(fwerr.SourceRemoteError, fmt.Sprintf("API request failed with status %d: %s", status, truncate(body)), nil)
	}
	return nil
}

func (c *Client) classifyTransport(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fwerr.New(fwerr.SourceTimeout, fmt.Sprintf("timeout talking to %s (timeout: %s)", c.settings.Address, c.settings.Timeout()), err)
	}
	return fwerr.New(fwerr.SourceConnectFailed, fmt.Sprintf("failed to connect to %s", c.settings.Address), err)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody])
	}
	return string(b)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
