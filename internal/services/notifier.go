package services

import "github.com/disputeflow/disputeflow/internal/database"

// Notifier receives operational events that a human should see.
type Notifier interface {
	NotifyIntakeDropped(intake *database.Intake)
	NotifyTransportFailure(recipient, subject string, err error)
}
