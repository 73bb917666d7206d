// Package webhook turns signed external HTTP payloads into governed intents.
// A webhook registration binds a secret and an action; incoming payloads are
// verified with HMAC-SHA256 over the canonical JSON encoding, mapped through
// an inputs template, and submitted to the engine under the system webhook
// identity. Verification happens entirely before the engine is involved.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warden/pkg/engine"
	"warden/pkg/models"
	"warden/pkg/store"
)

var (
	ErrUnknownWebhook   = errors.New("webhook: unknown webhook")
	ErrDisabled         = errors.New("webhook: webhook is disabled")
	ErrBadSignature     = errors.New("webhook: signature mismatch")
	ErrInvalidPayload   = errors.New("webhook: payload is not a JSON object")
	ErrMissingTemplated = errors.New("webhook: payload field referenced by template is missing")
)

// SystemIdentity is the user id attached to webhook-triggered executions.
const SystemIdentity = "system_webhook"

// Sign returns the hex HMAC-SHA256 digest of the canonical encoding of
// payload under secret. Clients compute the same digest to sign requests.
func Sign(secret string, payload json.RawMessage) (string, error) {
	canonical, err := models.CanonicalizeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("webhook: canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a client-supplied signature in constant time.
func Verify(secret string, payload json.RawMessage, signature string) (bool, error) {
	want, err := Sign(secret, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature))), nil
}

// BuildInputs maps a verified payload through the webhook's inputs template.
// Template values of the form {{payload.<field>}} are replaced by the named
// payload field; any other value passes through as a literal string. With no
// template the payload itself becomes the inputs.
func BuildInputs(w models.Webhook, payload map[string]any) (map[string]any, error) {
	if len(w.InputsTemplate) == 0 {
		return payload, nil
	}
	inputs := make(map[string]any, len(w.InputsTemplate))
	for key, tmpl := range w.InputsTemplate {
		if strings.HasPrefix(tmpl, "{{payload.") && strings.HasSuffix(tmpl, "}}") {
			field := strings.TrimSuffix(strings.TrimPrefix(tmpl, "{{payload."), "}}")
			v, ok := payload[field]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingTemplated, field)
			}
			inputs[key] = v
			continue
		}
		inputs[key] = tmpl
	}
	return inputs, nil
}

// Trigger verifies and dispatches webhook deliveries.
type Trigger struct {
	eng  *engine.Engine
	repo store.Repository
	log  zerolog.Logger
}

func NewTrigger(eng *engine.Engine, repo store.Repository, log zerolog.Logger) *Trigger {
	return &Trigger{
		eng:  eng,
		repo: repo,
		log:  log.With().Str("component", "webhook").Logger(),
	}
}

// Handle verifies the delivery and, when valid, executes the bound action as
// a confirmed intent under the system webhook identity with the admin role.
// Verification failures return an error and never reach the engine.
func (t *Trigger) Handle(ctx context.Context, webhookID string, payload json.RawMessage, signature string) (*models.ExecutionResult, error) {
	w, err := t.repo.GetWebhook(ctx, webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWebhook, webhookID)
		}
		return nil, err
	}
	if !w.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, webhookID)
	}

	ok, err := Verify(w.Secret, payload, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.log.Warn().Str("webhook_id", webhookID).Msg("signature mismatch")
		return nil, fmt.Errorf("%w: %s", ErrBadSignature, webhookID)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	inputs, err := BuildInputs(w, fields)
	if err != nil {
		return nil, err
	}

	intent := models.ChatIntent{
		Type:      models.IntentActionCall,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActionID:  w.ActionID,
		Inputs:    inputs,
		Confirmed: true,
		Trace:     map[string]any{"source": "webhook", "webhook_id": w.ID},
	}
	res, err := t.eng.ExecuteIntent(ctx, w.ProjectID, intent, engine.ExecOptions{
		UserID: SystemIdentity,
		Roles:  []string{models.RoleAdmin},
	})
	if err != nil {
		return nil, err
	}
	t.log.Info().
		Str("webhook_id", w.ID).
		Str("project_id", w.ProjectID).
		Str("action_id", w.ActionID).
		Str("status", string(res.Status)).
		Msg("webhook delivery executed")
	return res, nil
}
