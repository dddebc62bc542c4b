// Package webhook posts device activity to an HTTP endpoint.
//
// Every action becomes a JSON POST of a Payload. With Authorize set the
// endpoint also decides logins: it answers AUTH_IMEI with a Verdict. The
// recent track answered by LookupDev is held in memory.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/pkg/buffer"
	"github.com/mark-sch/GpsdTracking/pkg/retry"
	"github.com/mark-sch/GpsdTracking/pkg/security"
	"github.com/mark-sch/GpsdTracking/pkg/tlsutil"
)

// Name is the backend name used in configurations.
const Name = "webhook"

type Config struct {
	URL         string             `json:"url"`
	Headers     map[string]string  `json:"headers,omitempty"`
	Timeout     int                `json:"timeout"`     // seconds
	RetryCount  int                `json:"retry_count"` // extra attempts after the first
	ContentType string             `json:"content_type"`
	Authorize   bool               `json:"authorize"` // endpoint answers logins
	TrackSize   int                `json:"track_size"`
	TLS         security.ClientTLS `json:"tls,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8080/gpsd",
		Headers:     make(map[string]string),
		Timeout:     10,
		RetryCount:  3,
		ContentType: "application/json",
		TrackSize:   20,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "url is required")
	}
	if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: url %q", errors.ErrInvalidConfig, c.URL), "Config", "Validate", "parse url")
	}
	if c.Timeout < 0 || c.Timeout > 300 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_count must be between 0 and 10")
	}
	if c.TrackSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "track_size must be positive")
	}
	return nil
}

// Payload is the body of every request.
type Payload struct {
	Action   device.Action    `json:"action"`
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Service  string           `json:"service,omitempty"`
	Position *device.Position `json:"position,omitempty"`
	Alarm    string           `json:"alarm,omitempty"`
	Sent     time.Time        `json:"sent"`
}

// Verdict is the answer expected to AUTH_IMEI when Authorize is set.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Name     string `json:"name,omitempty"`
}

// Stats counts requests.
type Stats struct {
	Sent    int64
	Retried int64
	Errors  int64
}

type Backend struct {
	cfg        Config
	httpClient *http.Client
	retry      retry.Config
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	tracks map[string]*buffer.Ring[device.Position]

	sent    atomic.Int64
	retried atomic.Int64
	errs    atomic.Int64
}

var _ device.Backend = (*Backend)(nil)

// New is the backend.Factory of the webhook backend.
func New(raw json.RawMessage, deps backend.Deps) (device.Backend, error) {
	cfg := DefaultConfig()
	if err := backend.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return Open(cfg, deps.Log(Name), deps.Clock())
}

// Register adds the backend to registry.
func Register(registry *backend.Registry) error {
	return registry.Register(Name, New)
}

func Open(cfg Config, logger *slog.Logger, now func() time.Time) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	tlsConfig, err := tlsutil.Client(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &Backend{
		cfg:        cfg,
		httpClient: httpClient,
		retry: retry.Config{
			MaxAttempts:  cfg.RetryCount + 1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		logger: logger,
		now:    now,
		tracks: make(map[string]*buffer.Ring[device.Position]),
	}, nil
}

func (b *Backend) UpdateDev(ctx context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)
	payload := Payload{Action: action, ID: id, Name: rec.Name, Alarm: rec.Alarm, Sent: b.now().UTC()}
	if s != nil {
		payload.Service = s.Service()
	}

	switch action {
	case device.ActionAuth:
		var verdict Verdict
		if err := b.post(ctx, payload, &verdict); err != nil {
			return device.Reply{}, err
		}
		if b.cfg.Authorize && !verdict.Accepted {
			return device.Reply{}, nil
		}
		b.mu.Lock()
		if _, ok := b.tracks[id]; !ok {
			b.tracks[id] = buffer.NewRing[device.Position](b.cfg.TrackSize)
		}
		b.mu.Unlock()
		return device.Reply{Accepted: true, Name: verdict.Name}, nil

	case device.ActionUpdatePos:
		if !rec.HasFix() {
			return device.Reply{}, nil
		}
		b.mu.Lock()
		track, ok := b.tracks[id]
		b.mu.Unlock()
		if !ok {
			return device.Reply{}, nil
		}
		p := backend.Stamp(rec, b.now)
		payload.Position = &p
		if err := b.post(ctx, payload, nil); err != nil {
			return device.Reply{}, err
		}
		_ = track.Write(p)
		return device.Reply{Accepted: true}, nil

	case device.ActionLogout:
		return device.Reply{Accepted: true}, b.post(ctx, payload, nil)
	}
	return device.Reply{}, nil
}

// post sends payload with retries. Client errors are not retried. A non
// empty answer is decoded into reply when given.
func (b *Backend) post(ctx context.Context, payload Payload, reply any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Backend", "post", "encode payload")
	}

	policy := b.retry
	policy.OnRetry = func(int, error, time.Duration) { b.retried.Add(1) }
	err = retry.Do(ctx, policy, func() error {
		return b.send(ctx, data, reply)
	})
	if err != nil {
		b.errs.Add(1)
		b.logger.Warn("Webhook delivery failed", "action", payload.Action, "device", payload.ID, "error", err)
		return errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "post", "deliver "+string(payload.Action))
	}
	b.sent.Add(1)
	return nil
}

func (b *Backend) send(ctx context.Context, data []byte, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", b.cfg.ContentType)
	for key, value := range b.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return retry.NonRetryable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status))
	}
	if reply != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, reply); err != nil {
			return retry.NonRetryable(fmt.Errorf("decode answer: %w", err))
		}
	}
	return nil
}

func (b *Backend) LookupDev(_ context.Context, id string, count int) ([]device.Position, error) {
	b.mu.Lock()
	track, ok := b.tracks[id]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return track.Latest(count), nil
}

// Stats returns the request counters.
func (b *Backend) Stats() Stats {
	return Stats{Sent: b.sent.Load(), Retried: b.retried.Load(), Errors: b.errs.Load()}
}

func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}
