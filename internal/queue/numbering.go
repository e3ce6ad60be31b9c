package queue

import (
	"context"
	"time"

	"clinicqms/queue-service/internal/store"
)

const dateLayout = "2006-01-02"

// queueDate is the clinic calendar day of t. Numbering restarts at local
// midnight, not UTC midnight.
func (e *Engine) queueDate(t time.Time) string {
	return t.In(e.loc).Format(dateLayout)
}

// issueNumber draws the next display number for the service on the clinic
// day of now. The caller holds the service key.
func (e *Engine) issueNumber(ctx context.Context, tx store.Tx, serviceID string, now time.Time) (int, string, error) {
	date := e.queueDate(now)
	number, err := tx.NextQueueNumber(ctx, serviceID, date)
	if err != nil {
		return 0, "", err
	}
	if number <= 0 {
		return 0, "", store.ErrNumberContention
	}
	return number, date, nil
}

// ParseDate validates a clinic day string. An empty value means today.
func (e *Engine) ParseDate(value string) (string, error) {
	if value == "" {
		return e.queueDate(e.now()), nil
	}
	if _, err := time.ParseInLocation(dateLayout, value, e.loc); err != nil {
		return "", store.Validation("date must be YYYY-MM-DD")
	}
	return value, nil
}

// DayBounds returns the UTC instants that start and end the clinic day.
func (e *Engine) DayBounds(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, date, e.loc)
	if err != nil {
		return time.Time{}, time.Time{}, store.Validation("date must be YYYY-MM-DD")
	}
	return day.UTC(), day.AddDate(0, 0, 1).UTC(), nil
}

func (e *Engine) Location() *time.Location {
	return e.loc
}
