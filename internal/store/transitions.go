package store

import "clinicqms/queue-service/internal/models"

type Event string

const (
	EventSchedule   Event = "schedule"
	EventCheckIn    Event = "check_in"
	EventCall       Event = "call"
	EventComplete   Event = "complete"
	EventSkip       Event = "skip"
	EventReinstate  Event = "reinstate"
	EventTransfer   Event = "transfer"
	EventTransferIn Event = "transfer_in"
	EventCancel     Event = "cancel"
	EventNoShow     Event = "no_show"
)

type transitionRule struct {
	from []models.Status
	to   models.Status
}

// Creation events (schedule, transfer_in, walk-in check_in) are not listed:
// they have no source status and are applied by the engine directly.
var transitionMap = map[Event]transitionRule{
	EventCheckIn:   {from: []models.Status{models.StatusScheduled}, to: models.StatusWaiting},
	EventCall:      {from: []models.Status{models.StatusWaiting}, to: models.StatusInProgress},
	EventComplete:  {from: []models.Status{models.StatusInProgress}, to: models.StatusCompleted},
	EventSkip:      {from: []models.Status{models.StatusWaiting, models.StatusInProgress}, to: models.StatusSkipped},
	EventReinstate: {from: []models.Status{models.StatusSkipped}, to: models.StatusWaiting},
	EventTransfer:  {from: []models.Status{models.StatusWaiting, models.StatusInProgress}, to: models.StatusTransferred},
	EventCancel: {
		from: []models.Status{models.StatusScheduled, models.StatusWaiting, models.StatusInProgress, models.StatusSkipped},
		to:   models.StatusCancelled,
	},
	EventNoShow: {from: []models.Status{models.StatusWaiting}, to: models.StatusNoShow},
}

func ValidTransition(event Event, from models.Status) bool {
	rule, ok := transitionMap[event]
	if !ok {
		return false
	}
	for _, status := range rule.from {
		if status == from {
			return true
		}
	}
	return false
}

// NextStatus validates event against the current status and returns the
// resulting status or an InvalidTransition error naming both.
func NextStatus(event Event, from models.Status) (models.Status, error) {
	if !ValidTransition(event, from) {
		return "", InvalidTransition(event, from)
	}
	return transitionMap[event].to, nil
}
