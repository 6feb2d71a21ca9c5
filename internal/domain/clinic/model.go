package clinic

import (
	"encoding/json"
	"time"
)

// Patient maps to the patients table. LastVisit is maintained by the store
// whenever a treatment record is created for the patient.
type Patient struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Email       *string    `json:"email"`
	DateOfBirth *string    `json:"dateOfBirth"`
	Address     *string    `json:"address"`
	Notes       *string    `json:"notes"`
	LastVisit   *time.Time `json:"lastVisit"`
}

// NewPatient is the create payload for a patient.
type NewPatient struct {
	Name        string  `json:"name" validate:"required"`
	Phone       string  `json:"phone" validate:"required"`
	Email       *string `json:"email"`
	DateOfBirth *string `json:"dateOfBirth"`
	Address     *string `json:"address"`
	Notes       *string `json:"notes"`
}

// PatientPatch is a partial update. It deliberately carries no LastVisit.
type PatientPatch struct {
	Name        *string          `json:"name" validate:"omitnil,min=1"`
	Phone       *string          `json:"phone" validate:"omitnil,min=1"`
	Email       Optional[string] `json:"email"`
	DateOfBirth Optional[string] `json:"dateOfBirth"`
	Address     Optional[string] `json:"address"`
	Notes       Optional[string] `json:"notes"`
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID            int64     `json:"id"`
	PatientID     int64     `json:"patientId"`
	Date          time.Time `json:"date"`
	Duration      int       `json:"duration"`
	TreatmentType string    `json:"treatmentType"`
	Notes         *string   `json:"notes"`
	Completed     bool      `json:"completed"`
}

// NewAppointment is the create payload for an appointment. Duration is in
// minutes.
type NewAppointment struct {
	PatientID     int64     `json:"patientId" validate:"required,gt=0"`
	Date          time.Time `json:"date" validate:"required"`
	Duration      int       `json:"duration" validate:"required,gt=0"`
	TreatmentType string    `json:"treatmentType" validate:"required"`
	Notes         *string   `json:"notes"`
	Completed     bool      `json:"completed"`
}

type AppointmentPatch struct {
	PatientID     *int64           `json:"patientId" validate:"omitnil,gt=0"`
	Date          *time.Time       `json:"date"`
	Duration      *int             `json:"duration" validate:"omitnil,gt=0"`
	TreatmentType *string          `json:"treatmentType" validate:"omitnil,min=1"`
	Notes         Optional[string] `json:"notes"`
	Completed     *bool            `json:"completed"`
}

// TreatmentRecord maps to the treatment_records table.
type TreatmentRecord struct {
	ID             int64      `json:"id"`
	PatientID      int64      `json:"patientId"`
	Date           time.Time  `json:"date"`
	TreatmentType  string     `json:"treatmentType"`
	Notes          *string    `json:"notes"`
	FollowUpNeeded bool       `json:"followUpNeeded"`
	FollowUpDate   *time.Time `json:"followUpDate"`
}

type NewTreatmentRecord struct {
	PatientID      int64      `json:"patientId" validate:"required,gt=0"`
	Date           time.Time  `json:"date" validate:"required"`
	TreatmentType  string     `json:"treatmentType" validate:"required"`
	Notes          *string    `json:"notes"`
	FollowUpNeeded bool       `json:"followUpNeeded"`
	FollowUpDate   *time.Time `json:"followUpDate"`
}

type TreatmentRecordPatch struct {
	PatientID      *int64              `json:"patientId" validate:"omitnil,gt=0"`
	Date           *time.Time          `json:"date"`
	TreatmentType  *string             `json:"treatmentType" validate:"omitnil,min=1"`
	Notes          Optional[string]    `json:"notes"`
	FollowUpNeeded *bool               `json:"followUpNeeded"`
	FollowUpDate   Optional[time.Time] `json:"followUpDate"`
}

// NotificationSettings is stored as a JSON document on the settings row.
type NotificationSettings struct {
	AppointmentReminders bool `json:"appointmentReminders"`
	FollowUpAlerts       bool `json:"followUpAlerts"`
	SyncNotifications    bool `json:"syncNotifications"`
}

// ClinicSettings is the clinic-wide singleton.
type ClinicSettings struct {
	ID                   int64                `json:"id"`
	ClinicName           string               `json:"clinicName"`
	Address              *string              `json:"address"`
	Phone                *string              `json:"phone"`
	GoogleAccount        *string              `json:"googleAccount"`
	LastSync             *time.Time           `json:"lastSync"`
	AutoSync             bool                 `json:"autoSync"`
	NotificationSettings NotificationSettings `json:"notificationSettings"`
}

type SettingsPatch struct {
	ClinicName           *string               `json:"clinicName" validate:"omitnil,min=1"`
	Address              Optional[string]      `json:"address"`
	Phone                Optional[string]      `json:"phone"`
	GoogleAccount        Optional[string]      `json:"googleAccount"`
	LastSync             Optional[time.Time]   `json:"lastSync"`
	AutoSync             *bool                 `json:"autoSync"`
	NotificationSettings *NotificationSettings `json:"notificationSettings"`
}

const (
	settingsID        = 1
	DefaultClinicName = "My Clinic"
)

// DefaultSettings is the baseline a first settings update is merged onto.
func DefaultSettings() ClinicSettings {
	return ClinicSettings{
		ID:         settingsID,
		ClinicName: DefaultClinicName,
		AutoSync:   true,
		NotificationSettings: NotificationSettings{
			AppointmentReminders: true,
			FollowUpAlerts:       true,
			SyncNotifications:    true,
		},
	}
}

// User is an identity record. Password is stored as given.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type NewUser struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Optional is a patch field for nullable columns. Set reports whether the
// field was present at all; Valid reports whether it carried a non-null value.
type Optional[T any] struct {
	Set   bool
	Valid bool
	Value T
}

func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Valid: true, Value: v} }

func Null[T any]() Optional[T] { return Optional[T]{Set: true} }

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		var zero T
		o.Valid, o.Value = false, zero
		return nil
	}
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return err
	}
	o.Valid = true
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Ptr returns the value as a pointer, nil for null.
func (o Optional[T]) Ptr() *T {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

func (o Optional[T]) applyTo(dst **T) {
	if o.Set {
		*dst = o.Ptr()
	}
}

func applyPtr[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

// change is one column assignment produced by a patch. The SQL engines turn
// a patch into "SET col = value" lists so only supplied columns are written.
type change struct {
	column string
	value  any
}

func (p PatientPatch) Apply(dst *Patient) {
	applyPtr(p.Name, &dst.Name)
	applyPtr(p.Phone, &dst.Phone)
	p.Email.applyTo(&dst.Email)
	p.DateOfBirth.applyTo(&dst.DateOfBirth)
	p.Address.applyTo(&dst.Address)
	p.Notes.applyTo(&dst.Notes)
}

func (p PatientPatch) changes() []change {
	var out []change
	if p.Name != nil {
		out = append(out, change{"name", *p.Name})
	}
	if p.Phone != nil {
		out = append(out, change{"phone", *p.Phone})
	}
	out = appendOptional(out, "email", p.Email)
	out = appendOptional(out, "date_of_birth", p.DateOfBirth)
	out = appendOptional(out, "address", p.Address)
	out = appendOptional(out, "notes", p.Notes)
	return out
}

func (p AppointmentPatch) Apply(dst *Appointment) {
	applyPtr(p.PatientID, &dst.PatientID)
	if p.Date != nil {
		dst.Date = p.Date.UTC()
	}
	applyPtr(p.Duration, &dst.Duration)
	applyPtr(p.TreatmentType, &dst.TreatmentType)
	p.Notes.applyTo(&dst.Notes)
	applyPtr(p.Completed, &dst.Completed)
}

func (p AppointmentPatch) changes() []change {
	var out []change
	if p.PatientID != nil {
		out = append(out, change{"patient_id", *p.PatientID})
	}
	if p.Date != nil {
		out = append(out, change{"date", p.Date.UTC()})
	}
	if p.Duration != nil {
		out = append(out, change{"duration", *p.Duration})
	}
	if p.TreatmentType != nil {
		out = append(out, change{"treatment_type", *p.TreatmentType})
	}
	out = appendOptional(out, "notes", p.Notes)
	if p.Completed != nil {
		out = append(out, change{"completed", *p.Completed})
	}
	return out
}

func (p TreatmentRecordPatch) Apply(dst *TreatmentRecord) {
	applyPtr(p.PatientID, &dst.PatientID)
	if p.Date != nil {
		dst.Date = p.Date.UTC()
	}
	applyPtr(p.TreatmentType, &dst.TreatmentType)
	p.Notes.applyTo(&dst.Notes)
	applyPtr(p.FollowUpNeeded, &dst.FollowUpNeeded)
	if p.FollowUpDate.Set {
		dst.FollowUpDate = utcPtr(p.FollowUpDate.Ptr())
	}
}

func (p TreatmentRecordPatch) changes() []change {
	var out []change
	if p.PatientID != nil {
		out = append(out, change{"patient_id", *p.PatientID})
	}
	if p.Date != nil {
		out = append(out, change{"date", p.Date.UTC()})
	}
	if p.TreatmentType != nil {
		out = append(out, change{"treatment_type", *p.TreatmentType})
	}
	out = appendOptional(out, "notes", p.Notes)
	if p.FollowUpNeeded != nil {
		out = append(out, change{"follow_up_needed", *p.FollowUpNeeded})
	}
	if p.FollowUpDate.Set {
		out = append(out, change{"follow_up_date", utcPtr(p.FollowUpDate.Ptr())})
	}
	return out
}

func (p SettingsPatch) Apply(dst *ClinicSettings) {
	applyPtr(p.ClinicName, &dst.ClinicName)
	p.Address.applyTo(&dst.Address)
	p.Phone.applyTo(&dst.Phone)
	p.GoogleAccount.applyTo(&dst.GoogleAccount)
	if p.LastSync.Set {
		dst.LastSync = utcPtr(p.LastSync.Ptr())
	}
	applyPtr(p.AutoSync, &dst.AutoSync)
	applyPtr(p.NotificationSettings, &dst.NotificationSettings)
}

func (p SettingsPatch) changes() []change {
	var out []change
	if p.ClinicName != nil {
		out = append(out, change{"clinic_name", *p.ClinicName})
	}
	out = appendOptional(out, "address", p.Address)
	out = appendOptional(out, "phone", p.Phone)
	out = appendOptional(out, "google_account", p.GoogleAccount)
	if p.LastSync.Set {
		out = append(out, change{"last_sync", utcPtr(p.LastSync.Ptr())})
	}
	if p.AutoSync != nil {
		out = append(out, change{"auto_sync", *p.AutoSync})
	}
	if p.NotificationSettings != nil {
		out = append(out, change{"notification_settings", *p.NotificationSettings})
	}
	return out
}

func appendOptional[T any](out []change, column string, o Optional[T]) []change {
	if !o.Set {
		return out
	}
	return append(out, change{column, o.Ptr()})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func strPtr(s string) *string { return &s }

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (p *Patient) clone() *Patient {
	c := *p
	c.Email = cloneStr(p.Email)
	c.DateOfBirth = cloneStr(p.DateOfBirth)
	c.Address = cloneStr(p.Address)
	c.Notes = cloneStr(p.Notes)
	c.LastVisit = cloneTime(p.LastVisit)
	return &c
}

func (a *Appointment) clone() *Appointment {
	c := *a
	c.Notes = cloneStr(a.Notes)
	return &c
}

func (r *TreatmentRecord) clone() *TreatmentRecord {
	c := *r
	c.Notes = cloneStr(r.Notes)
	c.FollowUpDate = cloneTime(r.FollowUpDate)
	return &c
}

func (s *ClinicSettings) clone() *ClinicSettings {
	c := *s
	c.Address = cloneStr(s.Address)
	c.Phone = cloneStr(s.Phone)
	c.GoogleAccount = cloneStr(s.GoogleAccount)
	c.LastSync = cloneTime(s.LastSync)
	return &c
}
