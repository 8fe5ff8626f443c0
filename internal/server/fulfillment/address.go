package fulfillment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

var (
	usZIP      = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	digitsOnly = regexp.MustCompile(`^\d{9}$`)
	spaces     = regexp.MustCompile(`\s+`)
)

// NormalizeAddress returns a cleaned copy of a: whitespace collapsed, state
// and country upper-cased, US ZIP codes in 5 or 5+4 form. A malformed
// address is a permanent failure.
func NormalizeAddress(a models.ShippingAddress) (models.ShippingAddress, error) {
	clean := func(s string) string { return spaces.ReplaceAllString(strings.TrimSpace(s), " ") }

	a.Name = clean(a.Name)
	a.Line1 = clean(a.Line1)
	a.Line2 = clean(a.Line2)
	a.City = clean(a.City)
	a.State = strings.ToUpper(clean(a.State))
	a.PostalCode = strings.ToUpper(clean(a.PostalCode))
	a.Country = strings.ToUpper(clean(a.Country))

	var missing []string
	for _, f := range [][2]string{
		{"name", a.Name}, {"line1", a.Line1}, {"city", a.City}, {"postal_code", a.PostalCode}, {"country", a.Country},
	} {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return a, invalidAddress("missing %s", strings.Join(missing, ", "))
	}
	if len(a.Country) != 2 {
		return a, invalidAddress("country must be a two-letter code")
	}

	if a.Country == "US" {
		if digitsOnly.MatchString(a.PostalCode) {
			a.PostalCode = a.PostalCode[:5] + "-" + a.PostalCode[5:]
		}
		if !usZIP.MatchString(a.PostalCode) {
			return a, invalidAddress("malformed ZIP code")
		}
		if len(a.State) != 2 {
			return a, invalidAddress("US state must be a two-letter code")
		}
	}
	return a, nil
}

func invalidAddress(format string, args ...any) error {
	return Permanent("invalid_address", RemediationAddress, fmt.Errorf(format, args...))
}
