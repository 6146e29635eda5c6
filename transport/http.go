package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

var errNotInitialized = errors.New("transport is not initialized")

// HTTP is a Transport backed by a retryablehttp client per connection.
// Transport level retries are disabled, recovery is left to the caller.
type HTTP struct {
	// Scheme used to build request URLs, https unless set otherwise.
	Scheme string

	logger log.Logger

	mu   sync.Mutex
	base *http.Transport
	refs int
}

// NewHTTP ...
func NewHTTP(logger log.Logger) *HTTP {
	return &HTTP{
		Scheme: "https",
		logger: logger,
	}
}

type httpConnection struct {
	host    string
	client  *retryablehttp.Client
	tr      *http.Transport
	verbose bool

	trustedCerts string
	certificate  string
	privateKey   string
}

func (c *httpConnection) Host() string {
	return c.host
}

// Init prepares the shared connection pool. Every Init needs a matching Deinit,
// the pool is dropped with the last one.
func (t *HTTP) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refs++
	if t.base != nil {
		return nil
	}

	t.base = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return nil
}

// Deinit releases the shared connection pool.
func (t *HTTP) Deinit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.refs > 0 {
		t.refs--
	}
	if t.refs > 0 || t.base == nil {
		return
	}
	t.base.CloseIdleConnections()
	t.base = nil
}

// CreateConnection returns a connection bound to hostname.
func (t *HTTP) CreateConnection(hostname string) (Connection, error) {
	if hostname == "" {
		return nil, fmt.Errorf("create connection: empty hostname: %w", ErrInvalidArg)
	}

	t.mu.Lock()
	base := t.base
	t.mu.Unlock()
	if base == nil {
		return nil, fmt.Errorf("create connection to %s: %w", hostname, errNotInitialized)
	}

	tr := base.Clone()
	client := retryhttp.NewClient(t.logger)
	client.RetryMax = 0
	client.CheckRetry = createCheckRetryLogger(t.logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{Transport: tr}

	return &httpConnection{
		host:   hostname,
		client: client,
		tr:     tr,
	}, nil
}

// CloseConnection releases the idle sockets of conn.
func (t *HTTP) CloseConnection(conn Connection) {
	c, ok := conn.(*httpConnection)
	if !ok || c == nil {
		return
	}
	c.tr.CloseIdleConnections()
}

// CloneOption ...
func (t *HTTP) CloneOption(name string, value interface{}) (interface{}, error) {
	return CloneOptionValue(name, value)
}

// SetOption applies an option to a live connection.
func (t *HTTP) SetOption(conn Connection, name string, value interface{}) error {
	c, ok := conn.(*httpConnection)
	if !ok || c == nil {
		return fmt.Errorf("set option %s: not an http connection: %w", name, ErrInvalidArg)
	}

	v, err := CloneOptionValue(name, value)
	if err != nil {
		return err
	}

	switch name {
	case OptionTimeout:
		c.client.HTTPClient.Timeout = v.(time.Duration)
	case OptionVerbose:
		c.verbose = v.(bool)
	case OptionProxy:
		proxy := v.(ProxyOptions)
		if proxy.Host == "" {
			return fmt.Errorf("set option %s: empty proxy host: %w", name, ErrInvalidArg)
		}
		proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port))}
		if proxy.Username != "" {
			proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
		}
		c.tr.Proxy = http.ProxyURL(proxyURL)
	case OptionTrustedCerts:
		return c.applyTLS(v.(string), c.certificate, c.privateKey)
	case OptionX509Certificate:
		return c.applyTLS(c.trustedCerts, v.(string), c.privateKey)
	case OptionX509PrivateKey:
		return c.applyTLS(c.trustedCerts, c.certificate, v.(string))
	}

	return nil
}

func (c *httpConnection) applyTLS(trustedCerts, certificate, privateKey string) error {
	cfg := c.tr.TLSClientConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}

	if trustedCerts != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(trustedCerts)) {
			return fmt.Errorf("no certificate found in trusted certs")
		}
		cfg.RootCAs = pool
	}

	// The key pair is usable only once both halves arrived.
	if certificate != "" && privateKey != "" {
		pair, err := tls.X509KeyPair([]byte(certificate), []byte(privateKey))
		if err != nil {
			return fmt.Errorf("load x509 key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	c.tr.TLSClientConfig = cfg
	c.trustedCerts = trustedCerts
	c.certificate = certificate
	c.privateKey = privateKey
	return nil
}

// ExecuteRequest sends req over conn and fills resp.
func (t *HTTP) ExecuteRequest(ctx context.Context, conn Connection, req Request, resp *Response) error {
	c, ok := conn.(*httpConnection)
	if !ok || c == nil {
		return fmt.Errorf("execute request: not an http connection: %w", ErrInvalidArg)
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("execute request: request type %d: %w", req.Type, ErrInvalidArg)
	}

	u := fmt.Sprintf("%s://%s%s", t.Scheme, c.host, req.Path)
	r, err := retryablehttp.NewRequestWithContext(ctx, req.Type.String(), u, req.Body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			r.Header.Add(k, v)
		}
	}
	if host := req.Header.Get("Host"); host != "" {
		r.Host = host
	}
	// retryablehttp doesn't set it for every body type
	r.ContentLength = int64(len(req.Body))

	if c.verbose {
		dump, err := httputil.DumpRequestOut(r.Request, false)
		if err != nil {
			t.logger.Warnf("error while dumping request: %s", err)
		}
		t.logger.Debugf("Request dump: %s", string(dump))
	}

	httpResp, err := c.client.Do(r)
	if err != nil {
		if httpResp != nil {
			_ = httpResp.Body.Close()
		}
		return fmt.Errorf("%s %s: %w", req.Type, req.Path, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf(err.Error())
		}
	}(httpResp.Body)

	if c.verbose {
		dump, err := httputil.DumpResponse(httpResp, false)
		if err != nil {
			t.logger.Warnf("error while dumping response: %s", err)
		}
		t.logger.Debugf("Response dump: %s", string(dump))
	}

	if resp == nil {
		_, err := io.Copy(io.Discard, httpResp.Body)
		return err
	}

	resp.StatusCode = httpResp.StatusCode
	if resp.Header != nil {
		for k, values := range httpResp.Header {
			for _, v := range values {
				resp.Header.Add(k, v)
			}
		}
	}
	if resp.Body != nil {
		if _, err := io.Copy(resp.Body, httpResp.Body); err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
	}

	return nil
}

func createCheckRetryLogger(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}
