package domain

// Carrier identifies the upstream telecom responsible for final delivery.
type Carrier string

const (
	CarrierEthioTelecom Carrier = "ethio_telecom"
	CarrierSafaricom    Carrier = "safaricom"
	CarrierUnknown      Carrier = "unknown"
)

// PhoneNumber is an immutable, validated phone number. Construct one through
// phone.Classify; the zero value is not a valid number.
type PhoneNumber struct {
	raw     string
	e164    string
	carrier Carrier
}

// NewPhoneNumber builds a classified number. Callers are expected to have
// validated e164 already; the classifier is the only production constructor.
func NewPhoneNumber(raw, e164 string, carrier Carrier) PhoneNumber {
	return PhoneNumber{raw: raw, e164: e164, carrier: carrier}
}

func (p PhoneNumber) Raw() string      { return p.raw }
func (p PhoneNumber) E164() string     { return p.e164 }
func (p PhoneNumber) Carrier() Carrier { return p.carrier }

// IsZero reports whether the number was never constructed.
func (p PhoneNumber) IsZero() bool { return p.e164 == "" }
