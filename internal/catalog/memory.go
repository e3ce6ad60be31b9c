package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

// Seed is the YAML layout of a catalog file.
type Seed struct {
	Services     []models.Service     `yaml:"services"`
	Stations     []models.Station     `yaml:"stations"`
	Appointments []models.Appointment `yaml:"appointments"`
	Patients     []models.Patient     `yaml:"patients"`
	Employees    []models.Employee    `yaml:"employees"`
}

type Memory struct {
	mu           sync.RWMutex
	services     map[string]models.Service
	stations     map[string]models.Station
	appointments map[string]models.Appointment
	patients     map[string]models.Patient
	employees    map[string]models.Employee
}

func NewMemory(seed Seed) *Memory {
	m := &Memory{
		services:     make(map[string]models.Service),
		stations:     make(map[string]models.Station),
		appointments: make(map[string]models.Appointment),
		patients:     make(map[string]models.Patient),
		employees:    make(map[string]models.Employee),
	}
	m.Load(seed)
	return m
}

// LoadFile reads a YAML seed file.
func LoadFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, err
	}
	defer f.Close()

	var seed Seed
	if err := yaml.NewDecoder(f).Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return seed, nil
}

// Load merges seed into the catalog, replacing records with the same id.
func (m *Memory) Load(seed Seed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range seed.Services {
		m.services[s.ServiceID] = s
	}
	for _, s := range seed.Stations {
		s.ServiceIDs = append([]string(nil), s.ServiceIDs...)
		m.stations[s.StationID] = s
	}
	for _, a := range seed.Appointments {
		if a.Priority == "" {
			a.Priority = models.PriorityNormal
		}
		m.appointments[a.AppointmentID] = a
	}
	for _, p := range seed.Patients {
		m.patients[p.PatientID] = p
	}
	for _, e := range seed.Employees {
		m.employees[e.EmployeeID] = e
	}
}

func (m *Memory) GetService(_ context.Context, id string) (models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return s, nil
}

func (m *Memory) GetStation(_ context.Context, id string) (models.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stations[id]
	if !ok {
		return models.Station{}, store.ErrStationNotFound
	}
	s.ServiceIDs = append([]string(nil), s.ServiceIDs...)
	return s, nil
}

func (m *Memory) GetAppointment(_ context.Context, id string) (models.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	return a, nil
}

func (m *Memory) GetPatient(_ context.Context, id string) (models.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return p, nil
}

func (m *Memory) GetEmployee(_ context.Context, id string) (models.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[id]
	if !ok {
		return models.Employee{}, store.ErrEmployeeNotFound
	}
	return e, nil
}
