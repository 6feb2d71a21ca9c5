package clinic

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by get and update operations when the id does
	// not exist. Delete operations report absence with a false result instead.
	ErrNotFound = errors.New("not found")

	ErrDuplicateUsername       = errors.New("username already exists")
	ErrInvalidPatientReference = errors.New("referenced patient does not exist")
	ErrLastVisitReadOnly       = errors.New("lastVisit is maintained by treatment records and cannot be set directly")
)

// PatientStore defines the persistence interface for patients.
type PatientStore interface {
	GetPatient(ctx context.Context, id int64) (*Patient, error)
	ListPatients(ctx context.Context) ([]*Patient, error)
	SearchPatients(ctx context.Context, query string) ([]*Patient, error)
	CreatePatient(ctx context.Context, in NewPatient) (*Patient, error)
	UpdatePatient(ctx context.Context, id int64, patch PatientPatch) (*Patient, error)
	// DeletePatient removes the patient together with its appointments and
	// treatment records.
	DeletePatient(ctx context.Context, id int64) (bool, error)
}

// AppointmentStore defines the persistence interface for appointments. All
// list operations return ascending date order.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID int64) ([]*Appointment, error)
	ListAppointmentsByDate(ctx context.Context, day time.Time) ([]*Appointment, error)
	ListAppointmentsInRange(ctx context.Context, start, end time.Time) ([]*Appointment, error)
	ListTodayAppointments(ctx context.Context) ([]*Appointment, error)
	CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, id int64, patch AppointmentPatch) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id int64) (bool, error)
}

// TreatmentRecordStore defines the persistence interface for treatment
// records. All list operations return descending date order.
type TreatmentRecordStore interface {
	GetTreatmentRecord(ctx context.Context, id int64) (*TreatmentRecord, error)
	ListTreatmentRecordsByPatient(ctx context.Context, patientID int64) ([]*TreatmentRecord, error)
	ListTreatmentRecords(ctx context.Context) ([]*TreatmentRecord, error)
	SearchTreatmentRecords(ctx context.Context, query string) ([]*TreatmentRecord, error)
	// CreateTreatmentRecord inserts the record and sets the owning patient's
	// LastVisit to the record date as one atomic step.
	CreateTreatmentRecord(ctx context.Context, in NewTreatmentRecord) (*TreatmentRecord, error)
	UpdateTreatmentRecord(ctx context.Context, id int64, patch TreatmentRecordPatch) (*TreatmentRecord, error)
	DeleteTreatmentRecord(ctx context.Context, id int64) (bool, error)
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (*ClinicSettings, error)
	// UpdateSettings merges the patch into the singleton, creating it from
	// DefaultSettings first when it does not exist yet.
	UpdateSettings(ctx context.Context, patch SettingsPatch) (*ClinicSettings, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, in NewUser) (*User, error)
}

// Store is the full storage contract implemented by every engine.
type Store interface {
	PatientStore
	AppointmentStore
	TreatmentRecordStore
	SettingsStore
	UserStore
}

type storeOptions struct {
	loc *time.Location
	now func() time.Time
}

// StoreOption configures an engine.
type StoreOption func(*storeOptions)

// WithLocation sets the location day boundaries are computed in.
func WithLocation(loc *time.Location) StoreOption {
	return func(o *storeOptions) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithClock overrides the clock used by ListTodayAppointments.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{loc: time.Local, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// dayBounds returns the first and last instant of the calendar day containing
// t, in loc. Both bounds are inclusive.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
	return start, next.Add(-time.Nanosecond)
}
