package http

import "time"

type issueOTPRequest struct {
	To string `json:"to" validate:"required,min=9,max=16"`
}

type issueOTPResponse struct {
	Message   string    `json:"message"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type verifyOTPRequest struct {
	To   string `json:"to" validate:"required,min=9,max=16"`
	Code string `json:"code" validate:"required,numeric,min=4,max=8"`
}

type verifyOTPResponse struct {
	Message string `json:"message"`
}

type sendA2PRequest struct {
	To          string  `json:"to" validate:"required,min=9,max=13"`
	Body        string  `json:"body" validate:"required,min=1,max=1000"`
	SMSType     string  `json:"smsType" validate:"omitempty,oneof=GSM Unicode"`
	CampaignID  *string `json:"campaign_id" validate:"omitempty,max=64"`
	CallbackURL *string `json:"callback_url" validate:"omitempty,url"`
}

type sendA2PResponse struct {
	Message  string `json:"message"`
	ID       string `json:"id"`
	Phone    string `json:"phone"`
	Provider string `json:"provider"`
}

type deliveryReportRequest struct {
	MessageID      string  `json:"message_id" validate:"required,uuid4"`
	Status         string  `json:"status" validate:"required,oneof=delivered rejected"`
	ProviderStatus *string `json:"provider_status" validate:"omitempty,max=256"`
}
