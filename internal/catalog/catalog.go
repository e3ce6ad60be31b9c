// Package catalog is the read-only view of the clinic reference data the
// queue engine consults: services, stations, appointments, patients and
// employees. The records are owned elsewhere.
package catalog

import (
	"context"

	"clinicqms/queue-service/internal/models"
)

// Accessor looks up reference records by id. Missing records yield an error
// of kind store.KindNotFound.
type Accessor interface {
	GetService(ctx context.Context, id string) (models.Service, error)
	GetStation(ctx context.Context, id string) (models.Station, error)
	GetAppointment(ctx context.Context, id string) (models.Appointment, error)
	GetPatient(ctx context.Context, id string) (models.Patient, error)
	GetEmployee(ctx context.Context, id string) (models.Employee, error)
}
