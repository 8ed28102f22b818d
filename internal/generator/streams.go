package generator

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultStreams simulates a small fintech backend: sign-ups, logins,
// transactions and KYC reviews, each with a realistic failure share.
func DefaultStreams() []Stream {
	return []Stream{
		{
			SourceType:  "user",
			MinInterval: time.Minute,
			MaxInterval: time.Minute,
			Payload: func() map[string]any {
				n := 1000 + rand.IntN(9000)
				return map[string]any{
					"user_id": 1 + rand.IntN(10000),
					"name":    fmt.Sprintf("user_%d", n),
					"email":   fmt.Sprintf("user%d@example.com", n),
				}
			},
		},
		{
			SourceType:  "login",
			MinInterval: 2 * time.Second,
			MaxInterval: 10 * time.Second,
			Payload: func() map[string]any {
				return loginPayload(weighted("failed", 0.15, "success"), randomIP(), pick("Chrome", "Firefox", "Safari", "Edge"))
			},
			Burst: func(status string) map[string]any {
				return loginPayload(status, fmt.Sprintf("192.168.1.%d", 1+rand.IntN(255)), "BurstTest")
			},
			DefaultStatus: "failed",
		},
		{
			SourceType:  "transaction",
			MinInterval: time.Second,
			MaxInterval: 4 * time.Second,
			Payload: func() map[string]any {
				return map[string]any{
					"user_id":  1 + rand.IntN(100),
					"amount":   100 + rand.IntN(4901),
					"currency": pick("USD", "EUR", "GBP"),
					"status":   weighted("failed", 0.08, "success"),
					"type":     pick("deposit", "withdrawal", "transfer"),
				}
			},
			Burst: func(status string) map[string]any {
				return map[string]any{
					"user_id":  1 + rand.IntN(100),
					"amount":   100 + rand.IntN(4901),
					"currency": "USD",
					"status":   status,
					"type":     "transfer",
				}
			},
			DefaultStatus: "success",
		},
		{
			SourceType:  "kyc",
			MinInterval: 10 * time.Second,
			MaxInterval: 20 * time.Second,
			Payload: func() map[string]any {
				status := "pending"
				switch r := rand.Float64(); {
				case r < 0.15:
					status = "rejected"
				case r < 0.60:
					status = "approved"
				}
				return kycPayload(status, pick("passport", "id_card", "drivers_license"), pick("manual", "automated"))
			},
			Burst: func(status string) map[string]any {
				return kycPayload(status, "passport", "automated")
			},
			DefaultStatus: "rejected",
		},
	}
}

func loginPayload(status, ip, agent string) map[string]any {
	return map[string]any{
		"user_id":    1 + rand.IntN(100),
		"status":     status,
		"ip_address": ip,
		"user_agent": agent,
	}
}

func kycPayload(status, document, source string) map[string]any {
	return map[string]any{
		"user_id":             1 + rand.IntN(100),
		"kyc_status":          status,
		"document_type":       document,
		"verification_source": source,
	}
}

// weighted returns rare with probability p, otherwise common.
func weighted(rare string, p float64, common string) string {
	if rand.Float64() < p {
		return rare
	}
	return common
}

func pick(options ...string) string {
	return options[rand.IntN(len(options))]
}

func randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d", 1+rand.IntN(255), 1+rand.IntN(255), 1+rand.IntN(255), 1+rand.IntN(255))
}
