package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

// Postgres reads the catalog tables created by the queue migrations.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetService(ctx context.Context, id string) (models.Service, error) {
	var s models.Service
	var code *string
	err := p.pool.QueryRow(ctx, `
		SELECT service_id, name, code, active
		FROM services
		WHERE service_id = $1
	`, id).Scan(&s.ServiceID, &s.Name, &code, &s.Active)
	if err != nil {
		return models.Service{}, notFound(err, store.ErrServiceNotFound, "service")
	}
	if code != nil {
		s.Code = *code
	}
	return s, nil
}

func (p *Postgres) GetStation(ctx context.Context, id string) (models.Station, error) {
	var s models.Station
	err := p.pool.QueryRow(ctx, `
		SELECT s.station_id, s.name, s.active,
			COALESCE(ARRAY_AGG(ss.service_id ORDER BY ss.service_id) FILTER (WHERE ss.service_id IS NOT NULL), '{}')
		FROM stations s
		LEFT JOIN station_services ss ON ss.station_id = s.station_id
		WHERE s.station_id = $1
		GROUP BY s.station_id, s.name, s.active
	`, id).Scan(&s.StationID, &s.Name, &s.Active, &s.ServiceIDs)
	if err != nil {
		return models.Station{}, notFound(err, store.ErrStationNotFound, "station")
	}
	return s, nil
}

func (p *Postgres) GetAppointment(ctx context.Context, id string) (models.Appointment, error) {
	var a models.Appointment
	var priority string
	err := p.pool.QueryRow(ctx, `
		SELECT appointment_id, patient_id, service_id, scheduled_at, priority
		FROM appointments
		WHERE appointment_id = $1
	`, id).Scan(&a.AppointmentID, &a.PatientID, &a.ServiceID, &a.ScheduledAt, &priority)
	if err != nil {
		return models.Appointment{}, notFound(err, store.ErrAppointmentNotFound, "appointment")
	}
	a.Priority = models.Priority(priority)
	return a, nil
}

func (p *Postgres) GetPatient(ctx context.Context, id string) (models.Patient, error) {
	var patient models.Patient
	err := p.pool.QueryRow(ctx, `
		SELECT patient_id, name
		FROM patients
		WHERE patient_id = $1
	`, id).Scan(&patient.PatientID, &patient.Name)
	if err != nil {
		return models.Patient{}, notFound(err, store.ErrPatientNotFound, "patient")
	}
	return patient, nil
}

func (p *Postgres) GetEmployee(ctx context.Context, id string) (models.Employee, error) {
	var e models.Employee
	err := p.pool.QueryRow(ctx, `
		SELECT employee_id, name, role, active
		FROM employees
		WHERE employee_id = $1
	`, id).Scan(&e.EmployeeID, &e.Name, &e.Role, &e.Active)
	if err != nil {
		return models.Employee{}, notFound(err, store.ErrEmployeeNotFound, "employee")
	}
	return e, nil
}

func notFound(err error, sentinel error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return fmt.Errorf("load %s: %w", what, err)
}
