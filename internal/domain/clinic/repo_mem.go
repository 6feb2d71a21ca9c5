package clinic

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is the non-persistent engine. Every method takes the lock, so a
// cascade delete or a record create with its last-visit update is observed
// as a single step. Returned entities are copies.
type MemStore struct {
	mu   sync.RWMutex
	opts storeOptions

	patients     map[int64]*Patient
	appointments map[int64]*Appointment
	records      map[int64]*TreatmentRecord
	users        map[int64]*User
	settings     *ClinicSettings

	nextPatientID     int64
	nextAppointmentID int64
	nextRecordID      int64
	nextUserID        int64
}

func NewMemStore(opts ...StoreOption) *MemStore {
	return &MemStore{
		opts:              newStoreOptions(opts),
		patients:          make(map[int64]*Patient),
		appointments:      make(map[int64]*Appointment),
		records:           make(map[int64]*TreatmentRecord),
		users:             make(map[int64]*User),
		nextPatientID:     1,
		nextAppointmentID: 1,
		nextRecordID:      1,
		nextUserID:        1,
	}
}

// -- Patients --

func (m *MemStore) GetPatient(_ context.Context, id int64) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (m *MemStore) ListPatients(ctx context.Context) ([]*Patient, error) {
	return m.SearchPatients(ctx, "")
}

func (m *MemStore) SearchPatients(_ context.Context, query string) ([]*Patient, error) {
	q := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Patient, 0, len(m.patients))
	for _, p := range m.patients {
		if patientMatches(p, q) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CreatePatient(_ context.Context, in NewPatient) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Patient{
		ID:          m.nextPatientID,
		Name:        in.Name,
		Phone:       in.Phone,
		Email:       cloneStr(in.Email),
		DateOfBirth: cloneStr(in.DateOfBirth),
		Address:     cloneStr(in.Address),
		Notes:       cloneStr(in.Notes),
	}
	m.nextPatientID++
	m.patients[p.ID] = p
	return p.clone(), nil
}

func (m *MemStore) UpdatePatient(_ context.Context, id int64, patch PatientPatch) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(p)
	return p.clone(), nil
}

func (m *MemStore) DeletePatient(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return false, nil
	}
	for aid, a := range m.appointments {
		if a.PatientID == id {
			delete(m.appointments, aid)
		}
	}
	for rid, r := range m.records {
		if r.PatientID == id {
			delete(m.records, rid)
		}
	}
	delete(m.patients, id)
	return true, nil
}

// -- Appointments --

func (m *MemStore) GetAppointment(_ context.Context, id int64) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (m *MemStore) ListAppointmentsByPatient(_ context.Context, patientID int64) ([]*Appointment, error) {
	return m.filterAppointments(func(a *Appointment) bool { return a.PatientID == patientID }), nil
}

func (m *MemStore) ListAppointmentsByDate(ctx context.Context, day time.Time) ([]*Appointment, error) {
	start, end := dayBounds(day, m.opts.loc)
	return m.ListAppointmentsInRange(ctx, start, end)
}

func (m *MemStore) ListAppointmentsInRange(_ context.Context, start, end time.Time) ([]*Appointment, error) {
	return m.filterAppointments(func(a *Appointment) bool {
		return !a.Date.Before(start) && !a.Date.After(end)
	}), nil
}

func (m *MemStore) ListTodayAppointments(ctx context.Context) ([]*Appointment, error) {
	return m.ListAppointmentsByDate(ctx, m.opts.now())
}

func (m *MemStore) filterAppointments(keep func(*Appointment) bool) []*Appointment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Appointment, 0)
	for _, a := range m.appointments {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sortAppointments(out)
	return out
}

func (m *MemStore) CreateAppointment(_ context.Context, in NewAppointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &Appointment{
		ID:            m.nextAppointmentID,
		PatientID:     in.PatientID,
		Date:          in.Date.UTC(),
		Duration:      in.Duration,
		TreatmentType: in.TreatmentType,
		Notes:         cloneStr(in.Notes),
		Completed:     in.Completed,
	}
	m.nextAppointmentID++
	m.appointments[a.ID] = a
	return a.clone(), nil
}

func (m *MemStore) UpdateAppointment(_ context.Context, id int64, patch AppointmentPatch) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(a)
	return a.clone(), nil
}

func (m *MemStore) DeleteAppointment(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[id]; !ok {
		return false, nil
	}
	delete(m.appointments, id)
	return true, nil
}

// -- Treatment records --

func (m *MemStore) GetTreatmentRecord(_ context.Context, id int64) (*TreatmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemStore) ListTreatmentRecordsByPatient(_ context.Context, patientID int64) ([]*TreatmentRecord, error) {
	return m.filterRecords(func(r *TreatmentRecord) bool { return r.PatientID == patientID }), nil
}

func (m *MemStore) ListTreatmentRecords(_ context.Context) ([]*TreatmentRecord, error) {
	return m.filterRecords(func(*TreatmentRecord) bool { return true }), nil
}

func (m *MemStore) SearchTreatmentRecords(_ context.Context, query string) ([]*TreatmentRecord, error) {
	q := strings.ToLower(query)
	return m.filterRecords(func(r *TreatmentRecord) bool { return recordMatches(r, q) }), nil
}

func (m *MemStore) filterRecords(keep func(*TreatmentRecord) bool) []*TreatmentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TreatmentRecord, 0)
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r.clone())
		}
	}
	sortRecords(out)
	return out
}

func (m *MemStore) CreateTreatmentRecord(_ context.Context, in NewTreatmentRecord) (*TreatmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &TreatmentRecord{
		ID:             m.nextRecordID,
		PatientID:      in.PatientID,
		Date:           in.Date.UTC(),
		TreatmentType:  in.TreatmentType,
		Notes:          cloneStr(in.Notes),
		FollowUpNeeded: in.FollowUpNeeded,
		FollowUpDate:   utcPtr(in.FollowUpDate),
	}
	m.nextRecordID++
	m.records[r.ID] = r
	if p, ok := m.patients[r.PatientID]; ok {
		visit := r.Date
		p.LastVisit = &visit
	}
	return r.clone(), nil
}

func (m *MemStore) UpdateTreatmentRecord(_ context.Context, id int64, patch TreatmentRecordPatch) (*TreatmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(r)
	return r.clone(), nil
}

func (m *MemStore) DeleteTreatmentRecord(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

// -- Settings --

func (m *MemStore) GetSettings(_ context.Context) (*ClinicSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil, ErrNotFound
	}
	return m.settings.clone(), nil
}

func (m *MemStore) UpdateSettings(_ context.Context, patch SettingsPatch) (*ClinicSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		s := DefaultSettings()
		m.settings = &s
	}
	patch.Apply(m.settings)
	return m.settings.clone(), nil
}

// -- Users --

func (m *MemStore) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MemStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) CreateUser(_ context.Context, in NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == in.Username {
			return nil, ErrDuplicateUsername
		}
	}
	u := &User{ID: m.nextUserID, Username: in.Username, Password: in.Password}
	m.nextUserID++
	m.users[u.ID] = u
	c := *u
	return &c, nil
}

// containsFold reports whether s contains the already lower-cased q.
func containsFold(s, q string) bool {
	return strings.Contains(strings.ToLower(s), q)
}

// patientMatches reports whether name, phone or email contains the already
// lowercased query.
func patientMatches(p *Patient, q string) bool {
	return containsFold(p.Name, q) || containsFold(p.Phone, q) || (p.Email != nil && containsFold(*p.Email, q))
}

func recordMatches(r *TreatmentRecord, q string) bool {
	return containsFold(r.TreatmentType, q) || (r.Notes != nil && containsFold(*r.Notes, q))
}

func sortAppointments(as []*Appointment) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].Date.Equal(as[j].Date) {
			return as[i].Date.Before(as[j].Date)
		}
		return as[i].ID < as[j].ID
	})
}

// sortRecords orders newest first; equal dates keep id order.
func sortRecords(rs []*TreatmentRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Date.Equal(rs[j].Date) {
			return rs[i].Date.After(rs[j].Date)
		}
		return rs[i].ID < rs[j].ID
	})
}

var _ Store = (*MemStore)(nil)
