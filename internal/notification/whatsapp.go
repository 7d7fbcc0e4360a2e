package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	whatsappAPIBase    = "https://graph.facebook.com/v21.0"
	whatsappSafeMaxLen = 4096
)

// WhatsAppSender sends notifications via the WhatsApp Cloud API (Meta
// Business Platform) to a single preconfigured recipient.
type WhatsAppSender struct {
	accessToken   string
	phoneNumberID string
	recipient     string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewWhatsAppSender creates a WhatsApp notification sender bound to one
// phone number ID and recipient. accessToken is the WhatsApp Business API
// permanent access token.
func NewWhatsAppSender(accessToken, phoneNumberID, recipient string, logger *slog.Logger) *WhatsAppSender {
	return &WhatsAppSender{
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		recipient:     recipient,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (s *WhatsAppSender) Type() string { return "whatsapp" }

func (s *WhatsAppSender) Send(ctx context.Context, msg *Message) error {
	if s.phoneNumberID == "" {
		return fmt.Errorf("whatsapp sender missing phone_number_id")
	}
	if s.recipient == "" {
		return fmt.Errorf("whatsapp sender missing recipient")
	}
	if s.accessToken == "" {
		return fmt.Errorf("whatsapp sender missing access token")
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n\n%s", msg.Subject, text)
	}

	// Split long messages to respect WhatsApp limit.
	chunks := splitMessage(text, whatsappSafeMaxLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(chunks), chunk)
		}
		if err := s.sendMessage(ctx, chunk); err != nil {
			return fmt.Errorf("sending whatsapp message (part %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *WhatsAppSender) sendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                s.recipient,
		"type":              "text",
		"text": map[string]string{
			"body": text,
		},
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/%s/messages", whatsappAPIBase, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
