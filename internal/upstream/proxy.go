// Package upstream forwards admitted requests to the commerce backend.
package upstream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/rbac"
)

// Headers set on every forwarded request.
const (
	HeaderAccountID = "X-Gate-Account"
	HeaderTeam      = "X-Gate-Team"
	HeaderRoles     = "X-Gate-Roles"
	HeaderRequestID = "X-Request-ID"
)

// Config describes the backend.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Proxy is a reverse proxy that strips client identity headers and replaces
// them with the authenticated principal.
type Proxy struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// New builds a proxy for cfg.URL.
func New(cfg Config, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream: unsupported scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, errors.New("upstream: url has no host")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{target: target, logger: logger}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    transport,
		ErrorHandler: p.fail,
	}
	return p, nil
}

// Target reports the backend URL.
func (p *Proxy) Target() *url.URL {
	return p.target
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.SetXForwarded()

	out := pr.Out.Header
	out.Del(HeaderAccountID)
	out.Del(HeaderTeam)
	out.Del(HeaderRoles)
	out.Del("Authorization")
	if id := middleware.GetReqID(pr.In.Context()); id != "" {
		out.Set(HeaderRequestID, id)
	}
	user := rbac.UserFromContext(pr.In.Context())
	if user == nil {
		return
	}
	out.Set(HeaderAccountID, user.ID)
	if user.Team != "" {
		out.Set(HeaderTeam, user.Team)
	}
	for _, name := range user.RoleNames() {
		out.Add(HeaderRoles, name)
	}
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("upstream", p.target.Host),
		slog.Any("error", err),
	)
	httpx.Problem(w, http.StatusBadGateway, "upstream unavailable", fmt.Sprintf("%s did not answer", p.target.Host))
}
