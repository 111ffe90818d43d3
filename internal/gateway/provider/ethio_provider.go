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

// EthioTelecomProvider submits messages to the Ethio Telecom SMS API.
type EthioTelecomProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewEthioTelecomProvider(logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *EthioTelecomProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &EthioTelecomProvider{
		logger:     logger.With("provider", "ethio_telecom"),
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

func (p *EthioTelecomProvider) Name() string            { return "ethio_telecom" }
func (p *EthioTelecomProvider) Carrier() domain.Carrier { return domain.CarrierEthioTelecom }

type ethioSendRequest struct {
	Sender    string `json:"sender"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Encoding  string `json:"encoding"`
	Reference string `json:"reference"`
}

type ethioSendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func (p *EthioTelecomProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	encoding := "gsm7"
	if req.SMSType == domain.SMSTypeUnicode {
		encoding = "ucs2"
	}
	body := ethioSendRequest{
		Sender:    req.Sender,
		To:        req.Recipient,
		Message:   req.Body,
		Encoding:  encoding,
		Reference: req.MessageID,
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ethio telecom request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("build ethio telecom request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Network failures and timeouts are retryable.
		return nil, fmt.Errorf("%w: ethio telecom: %v", ErrTransient, err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: ethio telecom: read response: %v", ErrTransient, err)
	}

	if httpResp.StatusCode >= 500 {
		p.logger.WarnContext(ctx, "ethio telecom upstream error",
			"status_code", httpResp.StatusCode, "message_id", req.MessageID)
		return nil, fmt.Errorf("%w: ethio telecom returned %d", ErrTransient, httpResp.StatusCode)
	}

	var parsed ethioSendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("parse ethio telecom response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 400 {
		reason := parsed.Reason
		if reason == "" {
			reason = parsed.Status
		}
		p.logger.InfoContext(ctx, "ethio telecom rejected message",
			"status_code", httpResp.StatusCode, "reason", reason, "message_id", req.MessageID)
		return &SubmitResponse{Accepted: false, StatusCode: httpResp.StatusCode, Reason: reason}, nil
	}

	p.logger.InfoContext(ctx, "message submitted to ethio telecom",
		"message_id", req.MessageID, "provider_message_id", parsed.MessageID)
	return &SubmitResponse{
		ProviderMessageID: parsed.MessageID,
		Accepted:          true,
		StatusCode:        httpResp.StatusCode,
	}, nil
}
