// Package gateway is the HTTP client for the external messaging gateway. The
// gateway owns the network connection to the messaging provider; this service
// only drives it through its REST surface and consumes its webhooks.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// HeaderNumberID carries the gateway-side instance identifier on every call.
const HeaderNumberID = "X-Number-Id"

// Client talks to one gateway deployment on behalf of all channels.
type Client struct {
	http  *resty.Client
	token string
}

// NewClient builds a client for the gateway at baseURL. token is the admin
// token the gateway expects on provisioning calls; it may be empty when the
// gateway runs unauthenticated.
func NewClient(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only status reads retry transparently. Sends must not be
			// replayed here; the queue owns their retry semantics.
			if r == nil || r.Request.Method != "GET" {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		})
	if token != "" {
		c.SetHeader("Authorization", token)
	}
	return &Client{http: c, token: token}
}

// NumberStatus is the gateway's view of one instance's connection. The
// gateway spells JSON keys in exported-Go style, same as the webhook
// envelope.
type NumberStatus struct {
	ID          string `json:"ID"`
	IsConnected bool   `json:"IsConnected"`
	IsLoggedIn  bool   `json:"IsLoggedIn"`
	Number      string `json:"Number,omitempty"`
}

// SendRequest is an outbound message handed to the gateway.
type SendRequest struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Body     string `json:"body,omitempty"`
	FileData string `json:"file_data,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// SendResult is the gateway acknowledgement for an accepted message.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type errorBody struct {
	Error string `json:"error"`
}

// CreateNumber asks the gateway to provision a new instance for numberID.
// The gateway responds asynchronously with QR events on the webhook.
func (c *Client) CreateNumber(ctx context.Context, numberID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderNumberID, numberID).
		SetError(&errorBody{}).
		Post("/number")
	if err != nil {
		return fmt.Errorf("failed to create gateway number: %w", err)
	}
	if resp.IsError() {
		return gatewayError("create number", resp)
	}
	log.Info().Str("number_id", numberID).Msg("Gateway instance provisioned")
	return nil
}

// DeleteNumber tears down a gateway instance and invalidates its session.
func (c *Client) DeleteNumber(ctx context.Context, numberID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderNumberID, numberID).
		SetError(&errorBody{}).
		Delete("/number")
	if err != nil {
		return fmt.Errorf("failed to delete gateway number: %w", err)
	}
	if resp.IsError() {
		return gatewayError("delete number", resp)
	}
	log.Info().Str("number_id", numberID).Msg("Gateway instance removed")
	return nil
}

// GetNumberStatus reports the live connection state of an instance. The
// reconciliation loop polls this against the stored channel status.
func (c *Client) GetNumberStatus(ctx context.Context, numberID string) (*NumberStatus, error) {
	var status NumberStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderNumberID, numberID).
		SetResult(&status).
		SetError(&errorBody{}).
		Get("/number")
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway number status: %w", err)
	}
	if resp.IsError() {
		return nil, gatewayError("get number status", resp)
	}
	return &status, nil
}

// Send hands one message to the gateway for delivery through numberID.
func (c *Client) Send(ctx context.Context, numberID string, req *SendRequest) (*SendResult, error) {
	var result SendResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderNumberID, numberID).
		SetBody(req).
		SetResult(&result).
		SetError(&errorBody{}).
		Post("/send")
	if err != nil {
		return nil, fmt.Errorf("failed to send message via gateway: %w", err)
	}
	if resp.IsError() {
		return nil, gatewayError("send message", resp)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	return &result, nil
}

func gatewayError(op string, resp *resty.Response) error {
	if body, ok := resp.Error().(*errorBody); ok && body.Error != "" {
		return fmt.Errorf("gateway %s failed: %s (status %d)", op, body.Error, resp.StatusCode())
	}
	return fmt.Errorf("gateway %s failed with status %d", op, resp.StatusCode())
}
