// Package twilio is the WhatsApp channel provider implementation: a REST
// sender for outbound messages and a parser for inbound webhook deliveries.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

var sendTracer = otel.Tracer("chatrouter.internal.channels.twilio")

// SendResult is what the provider reports back for an accepted message.
type SendResult struct {
	ID         string
	Status     string
	EchoedBody string
}

// Client posts WhatsApp messages using Twilio's REST API.
type Client struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithBaseURL overrides the Twilio API host, used in tests and sandboxes.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient builds a sender with sane defaults.
func NewClient(accountSID, authToken, defaultFrom string, logger *logging.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		baseURL:    "https://api.twilio.com",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send dispatches a single WhatsApp message, retrying transient failures.
// The returned result echoes the body the provider accepted.
func (c *Client) Send(ctx context.Context, ownerID, from, to, body string, mediaURLs []string) (*SendResult, error) {
	if c.accountSID == "" || c.authToken == "" {
		return nil, errors.New("twilio: credentials missing")
	}
	if to == "" {
		return nil, errors.New("twilio: to required")
	}
	if from == "" {
		from = c.from
	}
	if from == "" {
		return nil, errors.New("twilio: from required")
	}
	if strings.TrimSpace(body) == "" && len(mediaURLs) == 0 {
		return nil, errors.New("twilio: body or media required")
	}

	ctx, span := sendTracer.Start(ctx, "channels.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("chatrouter.owner_id", ownerID),
		attribute.String("chatrouter.to", to),
	)

	payload := url.Values{}
	payload.Set("To", EnsurePrefix(to))
	payload.Set("From", EnsurePrefix(from))
	payload.Set("Body", body)
	for _, mediaURL := range mediaURLs {
		payload.Add("MediaUrl", mediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					SID    string `json:"sid"`
					Status string `json:"status"`
					Body   string `json:"body"`
				}
				if err := json.Unmarshal(respBody, &parsed); err != nil {
					return nil, fmt.Errorf("twilio: decode send response: %w", err)
				}
				c.logger.Info("twilio message sent", "owner_id", ownerID, "to", to, "sid", parsed.SID)
				return &SendResult{
					ID:         parsed.SID,
					Status:     parsed.Status,
					EchoedBody: parsed.Body,
				}, nil
			}
			lastErr = fmt.Errorf("twilio: send failed: %s", formatAPIError(resp.StatusCode, respBody))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			time.Sleep(sleep)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	return nil, lastErr
}

// EnsurePrefix normalizes a number into Twilio's WhatsApp address form.
func EnsurePrefix(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// StripPrefix removes the WhatsApp address prefix for storage.
func StripPrefix(number string) string {
	return strings.TrimPrefix(strings.TrimSpace(number), "whatsapp:")
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatAPIError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed apiError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
