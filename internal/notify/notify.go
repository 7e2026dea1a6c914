package notify

import (
	"github.com/cropio/usagegate/internal/models"
)

// Phase identifies which usage-limit boundary triggered a notification.
type Phase string

const (
	// PhaseWarning fires when a user's remaining daily quota is low.
	PhaseWarning Phase = "warning"
	// PhaseExhausted fires when the daily quota reaches zero.
	PhaseExhausted Phase = "exhausted"
)

// Result is the observable outcome of a notification attempt. Failures are
// never propagated to the request path, but they are not silently swallowed
// either: the ledger logs the result so operators can see delivery problems.
type Result string

const (
	ResultSent     Result = "sent"
	ResultFailed   Result = "failed"
	ResultDisabled Result = "disabled"
)

// Notifier delivers best-effort usage-limit notifications.
type Notifier interface {
	NotifyUsageLimit(user *models.User, phase Phase, status models.QuotaStatus) Result
}

// Nop is a Notifier that does nothing. Used in tests and when notifications
// are disabled.
type Nop struct{}

// NotifyUsageLimit implements Notifier.
func (Nop) NotifyUsageLimit(*models.User, Phase, models.QuotaStatus) Result {
	return ResultDisabled
}
