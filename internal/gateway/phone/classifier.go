// Package phone normalizes raw phone input into E.164 form and classifies it
// to the upstream carrier. Pure functions, no I/O.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/addissms/gateway/internal/gateway/domain"
)

// Classify parses raw for the given region and returns the validated,
// carrier-classified number. Fails with domain.ErrInvalidPhoneNumber when the
// input cannot be parsed or is not a valid number.
//
// Carrier mapping: a national significant number starting with 9 is assumed
// to belong to Ethio Telecom, anything else to Safaricom. This is a
// placeholder heuristic, not a guarantee; a real deployment would carry a
// prefix table per numbering-plan updates.
func Classify(raw, region string) (domain.PhoneNumber, error) {
	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return domain.PhoneNumber{}, fmt.Errorf("%w: %s", domain.ErrInvalidPhoneNumber, raw)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return domain.PhoneNumber{}, fmt.Errorf("%w: %s", domain.ErrInvalidPhoneNumber, raw)
	}

	e164 := phonenumbers.Format(parsed, phonenumbers.E164)
	national := phonenumbers.GetNationalSignificantNumber(parsed)

	carrier := domain.CarrierSafaricom
	if strings.HasPrefix(national, "9") {
		carrier = domain.CarrierEthioTelecom
	}

	return domain.NewPhoneNumber(raw, e164, carrier), nil
}
