// Package phone normalizes subscriber numbers to E.164 and derives stable,
// non-reversible fingerprints for use in rate-limit bucket keys.
package phone

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// Normalizer parses numbers relative to a default region.
type Normalizer struct {
	region string
}

func NewNormalizer(defaultRegion string) *Normalizer {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Normalizer{region: strings.ToUpper(defaultRegion)}
}

// Normalize returns the E.164 form of raw. Numbers with a leading + keep their
// own country code; anything else is read in the default region.
// Only length plausibility is checked, so fictional 555 ranges are accepted.
func (n *Normalizer) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}
	num, err := phonenumbers.Parse(trimmed, n.region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %q is not a possible number", ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Fingerprint hashes an E.164 number with SHA3-256 so bucket keys never hold raw numbers.
func Fingerprint(e164 string) string {
	sum := sha3.Sum256([]byte(e164))
	return hex.EncodeToString(sum[:16])
}
