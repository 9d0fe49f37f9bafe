package auth

import (
	"context"

	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/cache"
)

// UpdateLoginMetrics records a login attempt for email. It never fails the
// caller: cache errors are logged and dropped. A failure that brings the
// consecutive failure count to MaxLoginAttempts-1 or more raises a security
// alert.
func (m *Manager) UpdateLoginMetrics(ctx context.Context, email string, success bool) {
	key := loginMetricsKey(email)
	log := m.log.WithContext(ctx).WithField("email", NormalizeEmail(email))

	var metrics LoginMetrics
	if err := m.store.Get(ctx, key, &metrics); err != nil && !cache.IsMiss(err) {
		log.WithError(err).Error("failed to read login metrics")
		return
	}

	now := m.now().UTC()
	metrics.LastAttempt = now
	if success {
		metrics.FailedAttempts = 0
		metrics.SuccessfulLogins++
	} else {
		metrics.FailedAttempts++
	}

	if err := m.store.Set(ctx, key, metrics, m.cfg.LoginMetricsTTL); err != nil {
		log.WithError(err).Error("failed to write login metrics")
	}

	threshold := m.cfg.MaxLoginAttempts - 1
	if success || metrics.FailedAttempts < threshold {
		return
	}

	log.WithFields(logrus.Fields{
		"security_alert":  true,
		"failed_attempts": metrics.FailedAttempts,
	}).Warn("repeated failed login attempts")

	if m.alerts == nil {
		return
	}
	alert := SecurityAlert{
		Type:           AlertTypeFailedLogins,
		Email:          NormalizeEmail(email),
		FailedAttempts: metrics.FailedAttempts,
		Threshold:      threshold,
		RaisedAt:       now,
	}
	if err := m.alerts.Alert(ctx, alert); err != nil {
		log.WithError(err).Error("failed to deliver security alert")
	}
}
