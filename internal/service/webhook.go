package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/sandbox"
	"github.com/openclaw/sandbox-controller-go/internal/util"
)

// sourceLabels are the human readable names used to annotate relayed
// messages. Unknown sources are labelled by their id.
var sourceLabels = map[string]string{
	"tradingview": "TradingView Alert",
}

type WebhookConfig struct {
	Secret         string
	Sources        []string
	HooksPath      string
	HooksToken     string
	DeliverChannel string
	DeliverChatID  string
	Timeout        time.Duration
}

// GatewayEnsurer is the part of the supervisor the relay needs.
type GatewayEnsurer interface {
	EnsureRunning(ctx context.Context) (sandbox.Process, error)
	Port() int
}

// WebhookRelay authenticates third-party events with a shared secret and
// forwards them to the gateway's hook intake.
type WebhookRelay struct {
	sb      sandbox.Sandbox
	gateway GatewayEnsurer
	cfg     WebhookConfig
	sources map[string]bool
}

func NewWebhookRelay(sb sandbox.Sandbox, gateway GatewayEnsurer, cfg WebhookConfig) *WebhookRelay {
	sources := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !util.IsValidSource(s) {
			log.Warn().Str("source", s).Msg("ignoring malformed webhook source")
			continue
		}
		sources[s] = true
	}
	return &WebhookRelay{
		sb:      sb,
		gateway: gateway,
		cfg:     cfg,
		sources: sources,
	}
}

func (r *WebhookRelay) bearerToken() string {
	if r.cfg.HooksToken != "" {
		return r.cfg.HooksToken
	}
	return r.cfg.Secret
}

// Relay validates env and forwards its body to the gateway exactly once.
// The returned status is the gateway's, unchanged.
func (r *WebhookRelay) Relay(ctx context.Context, env model.WebhookEnvelope) (*model.RelayResult, error) {
	if r.cfg.Secret == "" {
		return nil, apperrors.ServiceUnavailable("Webhook secret is not configured")
	}
	if !util.ConstantTimeEqual(env.Secret, r.cfg.Secret) {
		return nil, apperrors.Unauthorized("Invalid webhook secret")
	}
	if !r.sources[env.Source] {
		return nil, apperrors.NotFound("webhook source")
	}

	if _, err := r.gateway.EnsureRunning(ctx); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeGatewayNotReady) {
			return nil, err
		}
		return nil, apperrors.GatewayNotReady("", err)
	}

	if env.RawBody == "" {
		return nil, apperrors.BadRequest("Empty webhook body")
	}

	payload, err := json.Marshal(r.delivery(env))
	if err != nil {
		return nil, apperrors.RelayFailed(err)
	}

	status, err := r.forward(ctx, payload)
	if err != nil {
		log.Error().
			Err(err).
			Str("source", env.Source).
			Msg("failed to relay webhook to gateway")
		return nil, apperrors.RelayFailed(err)
	}

	log.Info().
		Str("source", env.Source).
		Int("status", status).
		Int("bodyLen", len(env.RawBody)).
		Msg("webhook relayed")

	return &model.RelayResult{OK: status >= 200 && status < 300, Status: status}, nil
}

func (r *WebhookRelay) delivery(env model.WebhookEnvelope) model.HookDelivery {
	label, ok := sourceLabels[env.Source]
	if !ok {
		label = env.Source
	}

	return model.HookDelivery{
		Message: fmt.Sprintf("[%s] %s", label, env.RawBody),
		Deliver: map[string]map[string]string{
			r.cfg.DeliverChannel: {"chatId": r.cfg.DeliverChatID},
		},
		SessionKey: env.Source + "-alerts",
	}
}

func (r *WebhookRelay) forward(ctx context.Context, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://localhost:%d%s", r.gateway.Port(), r.cfg.HooksPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.bearerToken())

	resp, err := r.sb.Fetch(ctx, req, r.gateway.Port())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
