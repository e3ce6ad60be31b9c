package models

import "time"

type Service struct {
	ServiceID string `json:"service_id" yaml:"service_id"`
	Name      string `json:"name" yaml:"name"`
	Code      string `json:"code,omitempty" yaml:"code"`
	Active    bool   `json:"active" yaml:"active"`
}

type Station struct {
	StationID  string   `json:"station_id" yaml:"station_id"`
	Name       string   `json:"name" yaml:"name"`
	ServiceIDs []string `json:"service_ids" yaml:"service_ids"`
	Active     bool     `json:"active" yaml:"active"`
}

func (s Station) Serves(serviceID string) bool {
	for _, id := range s.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

type Appointment struct {
	AppointmentID string    `json:"appointment_id" yaml:"appointment_id"`
	PatientID     string    `json:"patient_id" yaml:"patient_id"`
	ServiceID     string    `json:"service_id" yaml:"service_id"`
	ScheduledAt   time.Time `json:"scheduled_at" yaml:"scheduled_at"`
	Priority      Priority  `json:"priority,omitempty" yaml:"priority"`
}

type Patient struct {
	PatientID string `json:"patient_id" yaml:"patient_id"`
	Name      string `json:"name" yaml:"name"`
}

type Employee struct {
	EmployeeID string `json:"employee_id" yaml:"employee_id"`
	Name       string `json:"name" yaml:"name"`
	Role       string `json:"role" yaml:"role"`
	Active     bool   `json:"active" yaml:"active"`
}

// StationAssignment is the station side of a claim. EntryID is empty while
// the station is free.
type StationAssignment struct {
	StationID string    `json:"station_id"`
	EntryID   string    `json:"entry_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
