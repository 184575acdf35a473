package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const defaultPushTTL = 12 * time.Hour

// ErrSubscriptionGone means the push service no longer knows the
// subscription and it should be forgotten.
var ErrSubscriptionGone = errors.New("push subscription expired")

// Pusher delivers an encrypted payload to one browser push subscription.
type Pusher interface {
	Push(ctx context.Context, sub models.PushSubscription, payload []byte) error
}

type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             time.Duration
	HTTPClient      webpush.HTTPClient
}

// WebPusher sends VAPID signed web push messages.
type WebPusher struct {
	options webpush.Options
}

func NewWebPusher(cfg WebPushConfig) *WebPusher {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultPushTTL
	}
	return &WebPusher{
		options: webpush.Options{
			HTTPClient:      cfg.HTTPClient,
			Subscriber:      cfg.Subscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             int(ttl.Seconds()),
			Urgency:         webpush.UrgencyNormal,
		},
	}
}

// PublicKey is handed to browsers creating a subscription.
func (p *WebPusher) PublicKey() string {
	return p.options.VAPIDPublicKey
}

func (p *WebPusher) Push(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	opts := p.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &opts)
	if err != nil {
		return fmt.Errorf("failed to send web push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service responded %d", resp.StatusCode)
	}
	return nil
}

// GenerateVAPIDKeys returns a new base64url encoded key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
