package auth

import (
	"context"
	"errors"
	"time"
)

// SecurityAlert is raised when an email accumulates failed logins.
type SecurityAlert struct {
	Type           string    `json:"type"`
	Email          string    `json:"email"`
	FailedAttempts int       `json:"failedAttempts"`
	Threshold      int       `json:"threshold"`
	RaisedAt       time.Time `json:"raisedAt"`
}

// AlertTypeFailedLogins is the Type of alerts raised by UpdateLoginMetrics.
const AlertTypeFailedLogins = "failed_logins"

// AlertSink receives security alerts in addition to the warning log line.
type AlertSink interface {
	Alert(ctx context.Context, alert SecurityAlert) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, alert SecurityAlert) error

func (f AlertSinkFunc) Alert(ctx context.Context, alert SecurityAlert) error {
	return f(ctx, alert)
}

// AlertSinks fans an alert out to every non-nil sink. All sinks are called;
// their errors are joined.
func AlertSinks(sinks ...AlertSink) AlertSink {
	return AlertSinkFunc(func(ctx context.Context, alert SecurityAlert) error {
		var errs []error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.Alert(ctx, alert); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
