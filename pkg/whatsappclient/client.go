/**
 * @description
 * This package sends WhatsApp text messages through the Meta Graph API. It is the
 * delivery end of the notification pipeline.
 */
package whatsappclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotConfigured is returned when the access token or phone number id is missing.
var ErrNotConfigured = errors.New("whatsapp client is not configured")

// Client is a client for the Graph API messages endpoint.
type Client struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	httpClient    *http.Client
}

// NewClient creates a new WhatsApp client.
func NewClient(baseURL, accessToken, phoneNumberID string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		accessToken:   strings.TrimSpace(accessToken),
		phoneNumberID: strings.TrimSpace(phoneNumberID),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether messages can be sent.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.accessToken != "" && c.phoneNumberID != ""
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type messageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	payload := messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(strings.TrimSpace(to), "+"),
		Type:             "text",
		Text:             textBody{Body: text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.baseURL, url.PathEscape(c.phoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request to whatsapp: %w", err)
	}
	defer resp.Body.Close()

	var out messageResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= 400 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("whatsapp api error (status %d, code %d): %s", resp.StatusCode, out.Error.Code, out.Error.Message)
		}
		return "", fmt.Errorf("whatsapp api error (status %d)", resp.StatusCode)
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}
