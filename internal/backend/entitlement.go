package backend

import (
	"context"
	"encoding/json"
	"net/http"

	"parsewatch/internal/quota"
)

// Entitlement is the authoritative subscription and usage report.
type Entitlement struct {
	Active bool
	Usage  quota.UsageCounter
}

type entitlementPayload struct {
	Active  bool        `json:"active"`
	Limit   quota.Limit `json:"limit"`
	Used    int         `json:"used"`
	ResetAt Timestamp   `json:"reset_at"`
	Tier    string      `json:"tier"`
}

// Entitlement fetches the caller's entitlement and usage counter.
func (c *Client) Entitlement(ctx context.Context) (Entitlement, error) {
	const op = "entitlement"
	raw, err := c.doJSON(ctx, request{operation: op, method: http.MethodGet, url: c.endpoint(nil, "entitlement")})
	if err != nil {
		return Entitlement{}, err
	}
	if err := validatePayload(op, entitlementSchemaRef, raw); err != nil {
		return Entitlement{}, err
	}
	// The schema requires limit; null or "unlimited" is the explicit sentinel.
	var payload entitlementPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Entitlement{}, Wrap(ErrTransient, op, "decode response", err)
	}
	tier, ok := quota.ParseTier(payload.Tier)
	if !ok {
		tier = quota.TierStandard
	}
	if payload.Limit.IsUnlimited() && payload.Tier == "" {
		tier = quota.TierEnterprise
	}
	return Entitlement{
		Active: payload.Active,
		Usage: quota.UsageCounter{
			Used:    payload.Used,
			Limit:   payload.Limit,
			ResetAt: payload.ResetAt.Time,
			Tier:    tier,
		},
	}, nil
}
