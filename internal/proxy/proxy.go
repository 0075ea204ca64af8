// Package proxy forwards WebDriver requests to an upstream automation
// server and reclassifies its failures through the gateway error taxonomy.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/drivergate/internal/observability"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	DefaultTimeout  = 240 * time.Second
	RequestIDHeader = observability.RequestIDHeader
)

var (
	ErrInvalidServer = errors.New("proxy: invalid upstream server url")
	ErrNoSession     = errors.New("proxy: no upstream session")
)

// Config describes one upstream server.
type Config struct {
	Server   string
	BasePath string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zerolog.Logger
}

// Proxy talks to one upstream server on behalf of one session.
type Proxy struct {
	base   *url.URL
	client *http.Client
	logger *zerolog.Logger

	mu        sync.RWMutex
	sessionID string
}

func New(cfg Config) (*Proxy, error) {
	raw := strings.TrimSpace(cfg.Server)
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServer, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServer, raw)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.Trim(cfg.BasePath, "/")
	base.Path = strings.TrimRight(base.Path, "/")

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &log.Logger
	}
	return &Proxy{base: base, client: client, logger: logger}, nil
}

// SetSessionID binds the proxy to an upstream session; "" unbinds it.
func (p *Proxy) SetSessionID(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

// SessionID returns the bound upstream session id.
func (p *Proxy) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

// URL joins path onto the upstream base.
func (p *Proxy) URL(path string) string {
	u := *p.base
	u.Path = p.base.Path + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// Response is a raw upstream reply.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Do sends one request and returns the raw reply. body may be nil, a
// []byte or any JSON-encodable value.
func (p *Proxy) Do(ctx context.Context, method, path string, body any) (Response, error) {
	start := time.Now()
	payload, err := encodeBody(body)
	if err != nil {
		return Response{}, protocol.Wrap(protocol.KindBadParameters, err)
	}

	target := p.URL(path)
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return Response{}, protocol.Wrap(protocol.KindUnknownError, err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		observability.RecordProxyRequest(method, http.StatusBadGateway, time.Since(start), false)
		p.logger.Error().
			Err(err).
			Str("method", method).
			Str("url", target).
			Str("request_id", requestID).
			Msg("proxy.Proxy.Do upstream unreachable")
		return Response{}, protocol.NewProxyRequestError(
			fmt.Sprintf("Could not proxy command to the remote server. Original error: %v", err), nil, 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordProxyRequest(method, resp.StatusCode, time.Since(start), false)
		return Response{}, protocol.NewProxyRequestError(
			fmt.Sprintf("Could not read the remote server response: %v", err), nil, resp.StatusCode)
	}

	observability.RecordProxyRequest(method, resp.StatusCode, time.Since(start), resp.StatusCode < 400)
	p.logger.Debug().
		Str("method", method).
		Str("url", target).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Msg("proxy.Proxy.Do")
	return Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// Command sends a request and returns the unwrapped "value" of a successful
// reply. Upstream failures come back as *protocol.ProxyRequestError.
func (p *Proxy) Command(ctx context.Context, method, path string, body any) (any, error) {
	resp, err := p.Do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return Unwrap(resp)
}

// SessionCommand is Command against /session/{upstream id}{path}.
func (p *Proxy) SessionCommand(ctx context.Context, method, path string, body any) (any, error) {
	id := p.SessionID()
	if id == "" {
		return nil, protocol.Wrap(protocol.KindNoSuchDriver, ErrNoSession)
	}
	target := "/session/" + url.PathEscape(id)
	if rest := strings.Trim(path, "/"); rest != "" {
		target += "/" + rest
	}
	return p.Command(ctx, method, target, body)
}

// Unwrap decides whether resp is a success in either dialect and extracts
// its value.
func Unwrap(resp Response) (any, error) {
	if !gjson.ValidBytes(resp.Body) {
		if resp.StatusCode < 300 && len(bytes.TrimSpace(resp.Body)) == 0 {
			return nil, nil
		}
		return nil, protocol.NewProxyRequestError(
			fmt.Sprintf("The remote server returned an unparseable body with status %d", resp.StatusCode),
			resp.Body, resp.StatusCode)
	}

	parsed := gjson.ParseBytes(resp.Body)
	status := parsed.Get("status")
	value := parsed.Get("value")
	if resp.StatusCode < 300 {
		if status.Exists() && status.Type == gjson.Number && status.Int() != 0 {
			return nil, protocol.NewProxyRequestError("", resp.Body, resp.StatusCode)
		}
		if value.IsObject() && value.Get("error").Exists() {
			return nil, protocol.NewProxyRequestError("", resp.Body, http.StatusInternalServerError)
		}
		return value.Value(), nil
	}
	return nil, protocol.NewProxyRequestError("", resp.Body, resp.StatusCode)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}
