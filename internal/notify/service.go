// Package notify dispatches notification events (full-cycle step
// transitions) to registered channel drivers (webhook, and any others
// wired in by a deployment).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
)

// Event is the internal notification payload; identical in shape to
// contracts.NotificationEvent.
type Event = contracts.NotificationEvent

// Service dispatches notification events to every registered channel
// driver concurrently, collecting each driver's error (if any).
type Service struct {
	client  *http.Client
	drivers map[string]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a notification service with the built-in webhook
// driver registered under "webhook".
func NewService(webhookURL, webhookSecret string) *Service {
	svc := &Service{
		client:  &http.Client{Timeout: 15 * time.Second},
		drivers: make(map[string]contracts.ChannelDriver),
	}
	if webhookURL != "" {
		svc.RegisterDriver(&WebhookDriver{client: svc.client, url: webhookURL, secret: webhookSecret})
	}
	return svc
}

func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", driver.Kind()).Msg("registered notification channel driver")
}

// Dispatch sends event to every registered driver concurrently and returns
// each driver's error, in registration-unordered completion order.
func (s *Service) Dispatch(ctx context.Context, event contracts.NotificationEvent) []error {
	s.drvMu.RLock()
	drivers := make([]contracts.ChannelDriver, 0, len(s.drivers))
	for _, d := range s.drivers {
		drivers = append(drivers, d)
	}
	s.drvMu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, d := range drivers {
		driver := d
		g.Go(func() error {
			if err := driver.Send(ctx, event); err != nil {
				log.Warn().Err(err).Str("driver", driver.Kind()).Str("event", event.Type).Msg("notification dispatch failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

var _ contracts.NotificationService = (*Service)(nil)

// WebhookDriver sends notifications via HTTP POST with optional
// HMAC-SHA256 signing, the teacher's default OSS notification channel.
type WebhookDriver struct {
	client *http.Client
	url    string
	secret string
}

func (d *WebhookDriver) Kind() string { return "webhook" }

func (d *WebhookDriver) Send(ctx context.Context, event contracts.NotificationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MH-Event", event.Type)

	if d.secret != "" {
		mac := hmac.New(sha256.New, []byte(d.secret))
		mac.Write(body)
		req.Header.Set("X-MH-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
