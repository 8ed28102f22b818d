package security

import "time"

type Limits struct {
	MaxWindowSeconds int
	MaxThreshold     int
	MaxFilterKeys    int
	MaxPayloadFields int
	MaxBatchSize     int
	MaxBodyBytes     int64
	MaxQueryDuration time.Duration
	MaxResultSize    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxWindowSeconds: 7 * 86400,
		MaxThreshold:     1_000_000,
		MaxFilterKeys:    32,
		MaxPayloadFields: 256,
		MaxBatchSize:     1000,
		MaxBodyBytes:     4 << 20,
		MaxQueryDuration: 5 * time.Second,
		MaxResultSize:    1000,
	}
}
