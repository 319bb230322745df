package app

import (
	"fmt"
	"time"

	"github.com/aradsms/queue_services/internal/platform/phone"
	"github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

const (
	Minute = time.Minute
	Hour   = time.Hour
	Day    = 24 * time.Hour
)

func bucketKey(action, dimension, id string, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%s:%ds", action, dimension, id, int(window/time.Second))
}

// ByIP scopes a rule to the caller's network address.
func ByIP(action, ip string, limit int, window time.Duration) domain.Rule {
	return domain.Rule{BucketKey: bucketKey(action, "ip", ip, window), Limit: limit, Window: window}
}

// ByPhone scopes a rule to an E.164 number. The number is fingerprinted, never stored raw.
func ByPhone(action, e164 string, limit int, window time.Duration) domain.Rule {
	return domain.Rule{BucketKey: bucketKey(action, "phone", phone.Fingerprint(e164), window), Limit: limit, Window: window}
}

func ByUser(action, userID string, limit int, window time.Duration) domain.Rule {
	return domain.Rule{BucketKey: bucketKey(action, "user", userID, window), Limit: limit, Window: window}
}

func ByLocation(action, locationID string, limit int, window time.Duration) domain.Rule {
	return domain.Rule{BucketKey: bucketKey(action, "location", locationID, window), Limit: limit, Window: window}
}
