package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ex10-server/internal/metrics"
)

// Target forwards traffic for one session to its display server.
type Target interface {
	// Forward proxies a plain HTTP request.
	Forward(w http.ResponseWriter, r *http.Request)
	// Upgrade takes over the client connection and splices it to the
	// upstream after replaying the upgrade request.
	Upgrade(w http.ResponseWriter, r *http.Request)
}

// sessionTarget proxies /session/{id}/... to localhost:{port}/...
type sessionTarget struct {
	id     string
	prefix string
	addr   string
	proxy  *httputil.ReverseProxy
	logger *zap.Logger
}

const dialTimeout = 5 * time.Second

func newSessionTarget(id string, port int, logger *zap.Logger) *sessionTarget {
	t := &sessionTarget{
		id:     id,
		prefix: PathPrefix(id),
		addr:   fmt.Sprintf("localhost:%d", port),
		logger: logger.With(zap.String("session_id", id), zap.Int("port", port)),
	}
	targetURL := &url.URL{Scheme: "http", Host: t.addr}

	t.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = targetURL.Scheme
			req.URL.Host = targetURL.Host
			req.URL.Path = t.upstreamPath(req.URL.Path)
			req.URL.RawPath = ""
			req.Host = targetURL.Host
			req.Header.Set("X-Forwarded-Prefix", t.prefix)
		},
		ErrorHandler: t.handleError,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		FlushInterval: -1,
	}
	return t
}

// PathPrefix is the public path prefix of a session.
func PathPrefix(id string) string {
	return "/session/" + id
}

func (t *sessionTarget) upstreamPath(p string) string {
	rest := strings.TrimPrefix(p, t.prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

func (t *sessionTarget) Forward(w http.ResponseWriter, r *http.Request) {
	t.proxy.ServeHTTP(w, r)
}

// handleError answers with JSON 500 unless the response already started.
func (t *sessionTarget) handleError(w http.ResponseWriter, r *http.Request, err error) {
	metrics.Get().ProxyErrorsTotal.WithLabelValues("http").Inc()
	t.logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))

	if ww, ok := w.(interface{ Written() bool }); ok && ww.Written() {
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "Failed to proxy to display server", err)
}

func (t *sessionTarget) Upgrade(w http.ResponseWriter, r *http.Request) {
	m := metrics.Get()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		m.ProxyUpgradesTotal.WithLabelValues("unsupported").Inc()
		writeJSONError(w, http.StatusInternalServerError, "WebSocket not supported", nil)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		m.ProxyUpgradesTotal.WithLabelValues("hijack_failed").Inc()
		t.logger.Warn("hijack failed", zap.Error(err))
		return
	}

	targetConn, err := net.DialTimeout("tcp", t.addr, dialTimeout)
	if err != nil {
		// raw socket peer: no HTTP response, just drop it
		m.ProxyErrorsTotal.WithLabelValues("upgrade").Inc()
		m.ProxyUpgradesTotal.WithLabelValues("dial_failed").Inc()
		t.logger.Warn("upstream dial failed for upgrade", zap.Error(err))
		clientConn.Close()
		return
	}

	if _, err := io.WriteString(targetConn, t.upgradeRequest(r)); err != nil {
		m.ProxyErrorsTotal.WithLabelValues("upgrade").Inc()
		m.ProxyUpgradesTotal.WithLabelValues("write_failed").Inc()
		clientConn.Close()
		targetConn.Close()
		return
	}

	m.ProxyUpgradesTotal.WithLabelValues("spliced").Inc()
	m.ProxyUpgradesRunning.Inc()
	defer m.ProxyUpgradesRunning.Dec()

	// The first direction to finish closes both sockets, which unblocks
	// the other copy.
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			targetConn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// upstream -> client
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(clientConn, targetConn)
	}()

	// client -> upstream
	go func() {
		defer wg.Done()
		defer closeBoth()
		if n := clientBuf.Reader.Buffered(); n > 0 {
			if _, err := io.CopyN(targetConn, clientBuf, int64(n)); err != nil {
				return
			}
		}
		io.Copy(targetConn, clientConn)
	}()

	wg.Wait()
}

// upgradeRequest rebuilds the client's request line and headers for the
// upstream with the session prefix removed.
func (t *sessionTarget) upgradeRequest(r *http.Request) string {
	uri := t.upstreamPath(r.URL.Path)
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, uri)
	fmt.Fprintf(&b, "Host: %s\r\n", t.addr)
	for key, values := range r.Header {
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, value := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, value)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}
