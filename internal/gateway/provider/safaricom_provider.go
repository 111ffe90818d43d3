package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/addissms/gateway/internal/gateway/domain"
)

// SafaricomProvider submits messages to the Safaricom Ethiopia bulk SMS API.
// The API takes a batch envelope even for a single recipient and answers with
// a request id plus per-recipient results.
type SafaricomProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewSafaricomProvider(logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *SafaricomProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SafaricomProvider{
		logger:     logger.With("provider", "safaricom"),
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

func (p *SafaricomProvider) Name() string            { return "safaricom" }
func (p *SafaricomProvider) Carrier() domain.Carrier { return domain.CarrierSafaricom }

type safaricomSendRequest struct {
	SenderName string   `json:"senderName"`
	Recipients []string `json:"recipients"`
	Text       string   `json:"text"`
	Unicode    bool     `json:"unicode"`
	ClientRef  string   `json:"clientRef"`
}

type safaricomSendResponse struct {
	RequestID string `json:"requestId"`
	Results   []struct {
		Recipient string `json:"recipient"`
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
		ErrorDesc string `json:"errorDescription,omitempty"`
	} `json:"results"`
	ErrorDesc string `json:"errorDescription,omitempty"`
}

func (p *SafaricomProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	body := safaricomSendRequest{
		SenderName: req.Sender,
		Recipients: []string{req.Recipient},
		Text:       req.Body,
		Unicode:    req.SMSType == domain.SMSTypeUnicode,
		ClientRef:  req.MessageID,
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal safaricom request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("build safaricom request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: safaricom: %v", ErrTransient, err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: safaricom: read response: %v", ErrTransient, err)
	}

	if httpResp.StatusCode >= 500 {
		p.logger.WarnContext(ctx, "safaricom upstream error",
			"status_code", httpResp.StatusCode, "message_id", req.MessageID)
		return nil, fmt.Errorf("%w: safaricom returned %d", ErrTransient, httpResp.StatusCode)
	}

	var parsed safaricomSendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("parse safaricom response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 400 {
		p.logger.InfoContext(ctx, "safaricom rejected message",
			"status_code", httpResp.StatusCode, "reason", parsed.ErrorDesc, "message_id", req.MessageID)
		return &SubmitResponse{Accepted: false, StatusCode: httpResp.StatusCode, Reason: parsed.ErrorDesc}, nil
	}

	resp := &SubmitResponse{Accepted: true, StatusCode: httpResp.StatusCode}
	if len(parsed.Results) > 0 {
		result := parsed.Results[0]
		resp.ProviderMessageID = result.MessageID
		if result.Status == "REJECTED" {
			resp.Accepted = false
			resp.Reason = result.ErrorDesc
		}
	} else {
		resp.ProviderMessageID = parsed.RequestID
	}

	if resp.Accepted {
		p.logger.InfoContext(ctx, "message submitted to safaricom",
			"message_id", req.MessageID, "provider_message_id", resp.ProviderMessageID)
	}
	return resp, nil
}
