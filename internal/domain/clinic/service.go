package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Event topics published on the change feed.
const (
	TopicPatients     = "patients"
	TopicAppointments = "appointments"
	TopicRecords      = "records"
	TopicSettings     = "settings"
	TopicSync         = "sync"
)

// Publisher receives change events. The websocket hub implements it.
type Publisher interface {
	Publish(topic, eventType string, data interface{})
}

// BackupTarget stores an exported snapshot and returns a reference to it.
type BackupTarget interface {
	Upload(ctx context.Context, key string, payload []byte) (string, error)
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when an input or patch fails validation.
type ValidationError struct {
	Entity string
	Fields []FieldError
	err    error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Message)
	}
	return fmt.Sprintf("invalid %s data: %s", e.Entity, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return e.err }

// Service is the caller layer over a Store: it validates input, checks
// patient references, keeps follow-up fields consistent, publishes change
// events and runs backup syncs.
type Service struct {
	store    Store
	logger   zerolog.Logger
	validate *validator.Validate
	events   Publisher
	backup   BackupTarget
	now      func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		store:    store,
		logger:   logger.With().Str("component", "clinic").Logger(),
		validate: v,
		now:      time.Now,
	}
}

// SetPublisher attaches an optional change-event publisher.
func (s *Service) SetPublisher(p Publisher) { s.events = p }

// SetBackupTarget attaches the target used by Sync.
func (s *Service) SetBackupTarget(t BackupTarget) { s.backup = t }

// SetClock overrides the clock used for sync timestamps.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) publish(topic, eventType string, data interface{}) {
	if s.events != nil {
		s.events.Publish(topic, eventType, data)
	}
}

func (s *Service) check(entity string, v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{Entity: entity, err: err}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return ve
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	case "min":
		return fe.Field() + " must not be empty"
	}
	return fe.Field() + " is invalid"
}

// ensurePatient maps a missing patient to ErrInvalidPatientReference.
func (s *Service) ensurePatient(ctx context.Context, id int64) error {
	_, err := s.store.GetPatient(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidPatientReference
	}
	return err
}

// -- Patients --

func (s *Service) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	return s.store.GetPatient(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context) ([]*Patient, error) {
	return s.store.ListPatients(ctx)
}

func (s *Service) SearchPatients(ctx context.Context, query string) ([]*Patient, error) {
	return s.store.SearchPatients(ctx, query)
}

func (s *Service) CreatePatient(ctx context.Context, in NewPatient) (*Patient, error) {
	if err := s.check("patient", in); err != nil {
		return nil, err
	}
	p, err := s.store.CreatePatient(ctx, in)
	if err != nil {
		return nil, err
	}
	s.publish(TopicPatients, "patient.created", p)
	return p, nil
}

func (s *Service) UpdatePatient(ctx context.Context, id int64, patch PatientPatch) (*Patient, error) {
	if err := s.check("patient", patch); err != nil {
		return nil, err
	}
	p, err := s.store.UpdatePatient(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(TopicPatients, "patient.updated", p)
	return p, nil
}

func (s *Service) DeletePatient(ctx context.Context, id int64) (bool, error) {
	ok, err := s.store.DeletePatient(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.publish(TopicPatients, "patient.deleted", map[string]int64{"id": id})
	return true, nil
}

// -- Appointments --

func (s *Service) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

// ListPatientAppointments returns ErrNotFound when the patient does not exist.
func (s *Service) ListPatientAppointments(ctx context.Context, patientID int64) ([]*Appointment, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListAppointmentsByPatient(ctx, patientID)
}

func (s *Service) ListAppointmentsByDate(ctx context.Context, day time.Time) ([]*Appointment, error) {
	return s.store.ListAppointmentsByDate(ctx, day)
}

func (s *Service) ListAppointmentsInRange(ctx context.Context, start, end time.Time) ([]*Appointment, error) {
	return s.store.ListAppointmentsInRange(ctx, start, end)
}

func (s *Service) ListTodayAppointments(ctx context.Context) ([]*Appointment, error) {
	return s.store.ListTodayAppointments(ctx)
}

func (s *Service) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	if err := s.check("appointment", in); err != nil {
		return nil, err
	}
	if err := s.ensurePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	a, err := s.store.CreateAppointment(ctx, in)
	if err != nil {
		return nil, err
	}
	s.publish(TopicAppointments, "appointment.created", a)
	return a, nil
}

func (s *Service) UpdateAppointment(ctx context.Context, id int64, patch AppointmentPatch) (*Appointment, error) {
	if err := s.check("appointment", patch); err != nil {
		return nil, err
	}
	if patch.PatientID != nil {
		if err := s.ensurePatient(ctx, *patch.PatientID); err != nil {
			return nil, err
		}
	}
	a, err := s.store.UpdateAppointment(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(TopicAppointments, "appointment.updated", a)
	return a, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id int64) (bool, error) {
	ok, err := s.store.DeleteAppointment(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.publish(TopicAppointments, "appointment.deleted", map[string]int64{"id": id})
	return true, nil
}

// -- Treatment records --

func (s *Service) GetTreatmentRecord(ctx context.Context, id int64) (*TreatmentRecord, error) {
	return s.store.GetTreatmentRecord(ctx, id)
}

// ListPatientTreatmentRecords returns ErrNotFound when the patient does not
// exist.
func (s *Service) ListPatientTreatmentRecords(ctx context.Context, patientID int64) ([]*TreatmentRecord, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListTreatmentRecordsByPatient(ctx, patientID)
}

func (s *Service) ListTreatmentRecords(ctx context.Context) ([]*TreatmentRecord, error) {
	return s.store.ListTreatmentRecords(ctx)
}

func (s *Service) SearchTreatmentRecords(ctx context.Context, query string) ([]*TreatmentRecord, error) {
	return s.store.SearchTreatmentRecords(ctx, query)
}

func (s *Service) CreateTreatmentRecord(ctx context.Context, in NewTreatmentRecord) (*TreatmentRecord, error) {
	if err := s.check("treatment record", in); err != nil {
		return nil, err
	}
	if !in.FollowUpNeeded {
		in.FollowUpDate = nil
	}
	if err := s.ensurePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	r, err := s.store.CreateTreatmentRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	s.publish(TopicRecords, "record.created", r)
	if p, err := s.store.GetPatient(ctx, r.PatientID); err == nil {
		s.publish(TopicPatients, "patient.updated", p)
	}
	return r, nil
}

func (s *Service) UpdateTreatmentRecord(ctx context.Context, id int64, patch TreatmentRecordPatch) (*TreatmentRecord, error) {
	if err := s.check("treatment record", patch); err != nil {
		return nil, err
	}
	if patch.FollowUpNeeded != nil && !*patch.FollowUpNeeded && !patch.FollowUpDate.Set {
		patch.FollowUpDate = Null[time.Time]()
	}
	if patch.PatientID != nil {
		if err := s.ensurePatient(ctx, *patch.PatientID); err != nil {
			return nil, err
		}
	}
	r, err := s.store.UpdateTreatmentRecord(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(TopicRecords, "record.updated", r)
	return r, nil
}

func (s *Service) DeleteTreatmentRecord(ctx context.Context, id int64) (bool, error) {
	ok, err := s.store.DeleteTreatmentRecord(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.publish(TopicRecords, "record.deleted", map[string]int64{"id": id})
	return true, nil
}

// -- Settings --

func (s *Service) GetSettings(ctx context.Context) (*ClinicSettings, error) {
	return s.store.GetSettings(ctx)
}

func (s *Service) UpdateSettings(ctx context.Context, patch SettingsPatch) (*ClinicSettings, error) {
	if err := s.check("settings", patch); err != nil {
		return nil, err
	}
	cs, err := s.store.UpdateSettings(ctx, patch)
	if err != nil {
		return nil, err
	}
	s.publish(TopicSettings, "settings.updated", cs)
	return cs, nil
}

// SeedSettings creates the stock clinic profile when no settings exist yet.
// It reports whether anything was written.
func (s *Service) SeedSettings(ctx context.Context) (bool, error) {
	_, err := s.store.GetSettings(ctx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	autoSync := true
	_, err = s.store.UpdateSettings(ctx, SettingsPatch{
		ClinicName: strPtr("My Medical Clinic"),
		Address:    Some("123 Medical Way"),
		Phone:      Some("123-456-7890"),
		AutoSync:   &autoSync,
		NotificationSettings: &NotificationSettings{
			AppointmentReminders: true,
			FollowUpAlerts:       true,
			SyncNotifications:    true,
		},
	})
	if err != nil {
		return false, fmt.Errorf("seed settings: %w", err)
	}
	s.logger.Info().Msg("default clinic settings created")
	return true, nil
}

// -- Users --

func (s *Service) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	if err := s.check("user", in); err != nil {
		return nil, err
	}
	return s.store.CreateUser(ctx, in)
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.store.GetUserByUsername(ctx, username)
}

// -- Sync --

// Snapshot is the document written to the backup target.
type Snapshot struct {
	ExportedAt       time.Time          `json:"exportedAt"`
	Patients         []*Patient         `json:"patients"`
	Appointments     []*Appointment     `json:"appointments"`
	TreatmentRecords []*TreatmentRecord `json:"treatmentRecords"`
}

// SyncDetails reports the outcome of one upload.
type SyncDetails struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SyncResult is returned by Sync and rendered by POST /api/sync.
type SyncResult struct {
	Message     string      `json:"message"`
	SyncTime    time.Time   `json:"syncTime"`
	SyncDetails SyncDetails `json:"syncDetails"`
}

// ErrNoBackupTarget is returned by Sync when no target is configured.
var ErrNoBackupTarget = errors.New("no backup target configured")

// BackupKey names the object a snapshot taken at t is stored under.
func BackupKey(t time.Time) string {
	return fmt.Sprintf("meditrack-backup-%d.json", t.UnixMilli())
}

// Sync exports patients, today's appointments and all treatment records to
// the backup target, then records the sync time in the clinic settings.
// Settings are created from defaults if they do not exist yet.
func (s *Service) Sync(ctx context.Context) (*SyncResult, error) {
	if s.backup == nil {
		return nil, ErrNoBackupTarget
	}
	now := s.now().UTC()

	snap, err := s.snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	ref, err := s.backup.Upload(ctx, BackupKey(now), payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("backup sync failed")
		s.notifySync(ctx, "sync.failed", SyncDetails{Success: false, Error: err.Error()})
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}

	if _, err := s.store.UpdateSettings(ctx, SettingsPatch{LastSync: Some(now)}); err != nil {
		return nil, fmt.Errorf("record sync time: %w", err)
	}

	details := SyncDetails{Success: true, FileID: ref}
	s.logger.Info().
		Str("file_id", ref).
		Int("patients", len(snap.Patients)).
		Int("appointments", len(snap.Appointments)).
		Int("records", len(snap.TreatmentRecords)).
		Msg("backup sync completed")
	s.notifySync(ctx, "sync.completed", details)

	return &SyncResult{Message: "Data synced successfully", SyncTime: now, SyncDetails: details}, nil
}

func (s *Service) snapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	appointments, err := s.store.ListTodayAppointments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	records, err := s.store.ListTreatmentRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("load treatment records: %w", err)
	}
	return &Snapshot{ExportedAt: now, Patients: patients, Appointments: appointments, TreatmentRecords: records}, nil
}

// notifySync publishes sync outcomes only when the clinic has sync
// notifications switched on.
func (s *Service) notifySync(ctx context.Context, eventType string, details SyncDetails) {
	if s.events == nil {
		return
	}
	cs, err := s.store.GetSettings(ctx)
	if err != nil || !cs.NotificationSettings.SyncNotifications {
		return
	}
	s.publish(TopicSync, eventType, details)
}

// AutoSyncDue reports whether the settings ask for periodic syncing.
func (s *Service) AutoSyncDue(ctx context.Context) (bool, error) {
	cs, err := s.store.GetSettings(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cs.AutoSync, nil
}
