package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// MessageStatus is the delivery state of one outbound message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusFailed    MessageStatus = "FAILED"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRejected  MessageStatus = "REJECTED"
)

// Value implements driver.Valuer for MessageStatus.
func (ms MessageStatus) Value() (driver.Value, error) {
	return string(ms), nil
}

// Scan implements sql.Scanner for MessageStatus.
func (ms *MessageStatus) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("scan MessageStatus: value is %T, not string or []byte", value)
		}
		strVal = string(bytesVal)
	}
	*ms = MessageStatus(strVal)
	switch *ms {
	case MessageStatusPending, MessageStatusSent, MessageStatusFailed,
		MessageStatusDelivered, MessageStatusRejected:
		return nil
	default:
		return fmt.Errorf("unknown MessageStatus value: %s", strVal)
	}
}

// statusTransitions holds the allowed edges of the message state machine.
// PENDING -> SENT | FAILED; SENT -> DELIVERED | REJECTED (delivery callbacks
// only); FAILED -> PENDING (dispatcher retry, bounded by config). DELIVERED
// and REJECTED are terminal. FAILED freezes once the retry budget is spent.
var statusTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending: {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:    {MessageStatusDelivered, MessageStatusRejected},
	MessageStatusFailed:  {MessageStatusPending},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ServiceType classifies what produced a message; it decides the bucket
// window used for rate accounting.
type ServiceType string

const (
	ServiceTypeAPI         ServiceType = "API"
	ServiceTypeOTP         ServiceType = "OTP"
	ServiceTypeAutoRespond ServiceType = "AUTO_RESPOND"
	ServiceTypeCampaign    ServiceType = "CAMPAIGN"
)

// SMSType is the message encoding class.
type SMSType string

const (
	SMSTypeGSM     SMSType = "GSM"
	SMSTypeUnicode SMSType = "UNICODE"
)

const (
	campaignBucketWindow = 15 * time.Minute
	typeBucketWindow     = time.Hour
)

// BucketWindow returns the aggregation window for a service type: campaign
// traffic buckets per 15 minutes, everything else per hour.
func (st ServiceType) BucketWindow() time.Duration {
	if st == ServiceTypeCampaign {
		return campaignBucketWindow
	}
	return typeBucketWindow
}

// BucketID derives the time-window bucket a message created at t belongs to.
// The window class prefixes the id ("C" campaign, "T" type) so a 15-minute
// campaign bucket at the top of an hour never collides with the hour bucket
// covering the same instant.
func BucketID(t time.Time, st ServiceType) string {
	prefix := "T"
	if st == ServiceTypeCampaign {
		prefix = "C"
	}
	return prefix + t.UTC().Truncate(st.BucketWindow()).Format("200601021504")
}

// MessageRecord is one outbound message (OTP or A2P), append/update only.
type MessageRecord struct {
	ID                string        `json:"id"`
	BucketID          string        `json:"bucket_id"`
	Sender            string        `json:"sender"`
	Receiver          string        `json:"receiver"` // E.164
	Body              string        `json:"body"`
	TeamID            string        `json:"team_id"`
	CompanyID         string        `json:"company_id"`
	CampaignID        *string       `json:"campaign_id,omitempty"`
	ServiceType       ServiceType   `json:"service_type"`
	SMSType           SMSType       `json:"sms_type"`
	Status            MessageStatus `json:"status"`
	IsCharged         bool          `json:"is_charged"`
	IdempotencyKey    string        `json:"idempotency_key"`
	Provider          *string       `json:"provider,omitempty"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	ErrorMessage      *string       `json:"error_message,omitempty"`
	CallbackURL       *string       `json:"callback_url,omitempty"`
	Attempts          int           `json:"attempts"`
	CreatedAt         time.Time     `json:"created_at"`
	ProcessedAt       *time.Time    `json:"processed_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
