package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/directory"
)

// rateLimitFor resolves the rate-limit string for an accept. First
// match wins: active bandwidth override, persisted custom rate, plan
// default with optional burst block.
func (e *Engine) rateLimitFor(ctx context.Context, username string, sub *directory.Subscriber) string {
	if o, err := e.dir.ActiveOverride(ctx, username); err == nil {
		e.logger.Debug("Using bandwidth override",
			zap.String("user", username),
			zap.Int("priority", o.Priority),
		)
		return fmt.Sprintf("%dk/%dk", o.UploadKbps, o.DownloadKbps)
	}

	if rate, err := e.dir.CustomRate(ctx, username); err == nil {
		return rate
	}

	return planRateLimit(&sub.Plan)
}

// planRateLimit builds the plan-default rate-limit string, appending
// the burst block when burst speeds are configured.
func planRateLimit(plan *directory.Plan) string {
	up := NormalizeSpeed(plan.UploadSpeed)
	down := NormalizeSpeed(plan.DownloadSpeed)
	if up == "" && down == "" {
		return ""
	}
	rate := up + "/" + down

	burstUp := NormalizeSpeed(plan.BurstUpload)
	burstDown := NormalizeSpeed(plan.BurstDownload)
	if burstUp != "" || burstDown != "" {
		rate = fmt.Sprintf("%s %s/%s %d/%d %d/%d",
			rate,
			burstUp, burstDown,
			plan.BurstThresholdUp, plan.BurstThresholdDown,
			plan.BurstTimeUp, plan.BurstTimeDown,
		)
	}
	return rate
}

// NormalizeSpeed converts an operator-entered speed value to the
// kilobits-suffixed form the NAS expects: bare numbers get a "k"
// suffix, "M"-suffixed decimals convert to kilobits, "k"-suffixed
// values pass through.
func NormalizeSpeed(speed string) string {
	speed = strings.TrimSpace(speed)
	if speed == "" {
		return ""
	}
	if strings.HasSuffix(speed, "k") || strings.HasSuffix(speed, "K") {
		return strings.TrimSuffix(strings.TrimSuffix(speed, "K"), "k") + "k"
	}
	if strings.HasSuffix(speed, "M") || strings.HasSuffix(speed, "m") {
		n := strings.TrimSuffix(strings.TrimSuffix(speed, "M"), "m")
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return speed
		}
		return fmt.Sprintf("%dk", int(f*1000))
	}
	if _, err := strconv.ParseFloat(speed, 64); err != nil {
		return speed
	}
	return speed + "k"
}
