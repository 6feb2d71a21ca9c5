package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row types for the gorm engine. Timestamps are stored as epoch milliseconds
// so SQLite and MySQL compare them identically.

type patientRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"not null"`
	Phone       string `gorm:"not null"`
	Email       *string
	DateOfBirth *string
	Address     *string
	Notes       *string
	LastVisit   *int64
}

func (patientRow) TableName() string { return "patients" }

type appointmentRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	PatientID     int64  `gorm:"not null;index"`
	Date          int64  `gorm:"not null;index"`
	Duration      int    `gorm:"not null"`
	TreatmentType string `gorm:"not null"`
	Notes         *string
	Completed     bool `gorm:"not null;default:false"`
}

func (appointmentRow) TableName() string { return "appointments" }

type recordRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	PatientID      int64  `gorm:"not null;index"`
	Date           int64  `gorm:"not null;index"`
	TreatmentType  string `gorm:"not null"`
	Notes          *string
	FollowUpNeeded bool `gorm:"not null;default:false"`
	FollowUpDate   *int64
}

func (recordRow) TableName() string { return "treatment_records" }

type settingsRow struct {
	ID                   int64  `gorm:"primaryKey;autoIncrement:false"`
	ClinicName           string `gorm:"not null"`
	Address              *string
	Phone                *string
	GoogleAccount        *string
	LastSync             *int64
	AutoSync             bool                 `gorm:"not null"`
	NotificationSettings NotificationSettings `gorm:"serializer:json;type:text"`
}

func (settingsRow) TableName() string { return "clinic_settings" }

type userRow struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Username string `gorm:"size:255;not null;uniqueIndex"`
	Password string `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

func millis(t time.Time) int64 { return t.UnixMilli() }

// millisCeil rounds up to the next whole millisecond so an inclusive lower
// bound never admits a stored value earlier than t.
func millisCeil(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func (r *patientRow) toModel() *Patient {
	return &Patient{
		ID: r.ID, Name: r.Name, Phone: r.Phone, Email: r.Email, DateOfBirth: r.DateOfBirth,
		Address: r.Address, Notes: r.Notes, LastVisit: fromMillisPtr(r.LastVisit),
	}
}

func (r *appointmentRow) toModel() *Appointment {
	return &Appointment{
		ID: r.ID, PatientID: r.PatientID, Date: fromMillis(r.Date), Duration: r.Duration,
		TreatmentType: r.TreatmentType, Notes: r.Notes, Completed: r.Completed,
	}
}

func (r *recordRow) toModel() *TreatmentRecord {
	return &TreatmentRecord{
		ID: r.ID, PatientID: r.PatientID, Date: fromMillis(r.Date), TreatmentType: r.TreatmentType,
		Notes: r.Notes, FollowUpNeeded: r.FollowUpNeeded, FollowUpDate: fromMillisPtr(r.FollowUpDate),
	}
}

func (r *settingsRow) toModel() *ClinicSettings {
	return &ClinicSettings{
		ID: r.ID, ClinicName: r.ClinicName, Address: r.Address, Phone: r.Phone,
		GoogleAccount: r.GoogleAccount, LastSync: fromMillisPtr(r.LastSync), AutoSync: r.AutoSync,
		NotificationSettings: r.NotificationSettings,
	}
}

// GormStore is the SQL engine for SQLite and MySQL.
type GormStore struct {
	db   *gorm.DB
	opts storeOptions
}

func NewGormStore(gdb *gorm.DB, opts ...StoreOption) *GormStore {
	return &GormStore{db: gdb, opts: newStoreOptions(opts)}
}

// sqlFoldsUnicode reports whether the dialect's LOWER() folds non-ASCII
// letters. SQLite's built-in LOWER() only folds ASCII, so searches there are
// filtered in Go instead.
func (s *GormStore) sqlFoldsUnicode() bool {
	return s.db.Dialector.Name() != "sqlite"
}

// AutoMigrate creates or updates the tables.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&patientRow{}, &appointmentRow{}, &recordRow{}, &settingsRow{}, &userRow{},
	)
}

// -- Patients --

func (s *GormStore) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	var row patientRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, mapGormError("get patient", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) ListPatients(ctx context.Context) ([]*Patient, error) {
	return s.findPatients(s.db.WithContext(ctx))
}

func (s *GormStore) SearchPatients(ctx context.Context, query string) ([]*Patient, error) {
	q := strings.ToLower(query)
	if !s.sqlFoldsUnicode() {
		all, err := s.findPatients(s.db.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		out := all[:0]
		for _, p := range all {
			if patientMatches(p, q) {
				out = append(out, p)
			}
		}
		return out, nil
	}
	p := likePattern(q)
	return s.findPatients(s.db.WithContext(ctx).Where(
		"LOWER(name) LIKE ? ESCAPE '!' OR LOWER(phone) LIKE ? ESCAPE '!' OR LOWER(email) LIKE ? ESCAPE '!'", p, p, p))
}

func (s *GormStore) findPatients(q *gorm.DB) ([]*Patient, error) {
	var rows []patientRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	out := make([]*Patient, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) CreatePatient(ctx context.Context, in NewPatient) (*Patient, error) {
	row := patientRow{
		Name: in.Name, Phone: in.Phone, Email: in.Email, DateOfBirth: in.DateOfBirth,
		Address: in.Address, Notes: in.Notes,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapGormError("create patient", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) UpdatePatient(ctx context.Context, id int64, patch PatientPatch) (*Patient, error) {
	var row patientRow
	if err := s.update(ctx, &row, row.TableName(), id, patch.changes()); err != nil {
		return nil, mapGormError("update patient", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) DeletePatient(ctx context.Context, id int64) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("patient_id = ?", id).Delete(&appointmentRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("patient_id = ?", id).Delete(&recordRow{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&patientRow{}, id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete patient: %w", err)
	}
	return deleted, nil
}

// -- Appointments --

func (s *GormStore) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	var row appointmentRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, mapGormError("get appointment", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) ListAppointmentsByPatient(ctx context.Context, patientID int64) ([]*Appointment, error) {
	return s.findAppointments(s.db.WithContext(ctx).Where("patient_id = ?", patientID))
}

func (s *GormStore) ListAppointmentsByDate(ctx context.Context, day time.Time) ([]*Appointment, error) {
	start, end := dayBounds(day, s.opts.loc)
	return s.ListAppointmentsInRange(ctx, start, end)
}

func (s *GormStore) ListAppointmentsInRange(ctx context.Context, start, end time.Time) ([]*Appointment, error) {
	return s.findAppointments(s.db.WithContext(ctx).Where("date >= ? AND date <= ?", millisCeil(start), millis(end)))
}

func (s *GormStore) ListTodayAppointments(ctx context.Context) ([]*Appointment, error) {
	return s.ListAppointmentsByDate(ctx, s.opts.now())
}

func (s *GormStore) findAppointments(q *gorm.DB) ([]*Appointment, error) {
	var rows []appointmentRow
	if err := q.Order("date ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	out := make([]*Appointment, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	row := appointmentRow{
		PatientID: in.PatientID, Date: millis(in.Date), Duration: in.Duration,
		TreatmentType: in.TreatmentType, Notes: in.Notes, Completed: in.Completed,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapGormError("create appointment", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) UpdateAppointment(ctx context.Context, id int64, patch AppointmentPatch) (*Appointment, error) {
	var row appointmentRow
	if err := s.update(ctx, &row, row.TableName(), id, patch.changes()); err != nil {
		return nil, mapGormError("update appointment", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) DeleteAppointment(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&appointmentRow{}, id)
	if res.Error != nil {
		return false, fmt.Errorf("delete appointment: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// -- Treatment records --

func (s *GormStore) GetTreatmentRecord(ctx context.Context, id int64) (*TreatmentRecord, error) {
	var row recordRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, mapGormError("get treatment record", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) ListTreatmentRecordsByPatient(ctx context.Context, patientID int64) ([]*TreatmentRecord, error) {
	return s.findRecords(s.db.WithContext(ctx).Where("patient_id = ?", patientID))
}

func (s *GormStore) ListTreatmentRecords(ctx context.Context) ([]*TreatmentRecord, error) {
	return s.findRecords(s.db.WithContext(ctx))
}

func (s *GormStore) SearchTreatmentRecords(ctx context.Context, query string) ([]*TreatmentRecord, error) {
	q := strings.ToLower(query)
	if !s.sqlFoldsUnicode() {
		all, err := s.findRecords(s.db.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		out := all[:0]
		for _, r := range all {
			if recordMatches(r, q) {
				out = append(out, r)
			}
		}
		return out, nil
	}
	p := likePattern(q)
	return s.findRecords(s.db.WithContext(ctx).Where(
		"LOWER(treatment_type) LIKE ? ESCAPE '!' OR LOWER(notes) LIKE ? ESCAPE '!'", p, p))
}

func (s *GormStore) findRecords(q *gorm.DB) ([]*TreatmentRecord, error) {
	var rows []recordRow
	if err := q.Order("date DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query treatment records: %w", err)
	}
	out := make([]*TreatmentRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) CreateTreatmentRecord(ctx context.Context, in NewTreatmentRecord) (*TreatmentRecord, error) {
	row := recordRow{
		PatientID: in.PatientID, Date: millis(in.Date), TreatmentType: in.TreatmentType,
		Notes: in.Notes, FollowUpNeeded: in.FollowUpNeeded, FollowUpDate: millisPtr(in.FollowUpDate),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&patientRow{}).Where("id = ?", row.PatientID).Update("last_visit", row.Date).Error
	})
	if err != nil {
		return nil, mapGormError("create treatment record", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) UpdateTreatmentRecord(ctx context.Context, id int64, patch TreatmentRecordPatch) (*TreatmentRecord, error) {
	var row recordRow
	if err := s.update(ctx, &row, row.TableName(), id, patch.changes()); err != nil {
		return nil, mapGormError("update treatment record", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) DeleteTreatmentRecord(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&recordRow{}, id)
	if res.Error != nil {
		return false, fmt.Errorf("delete treatment record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// -- Settings --

func (s *GormStore) GetSettings(ctx context.Context) (*ClinicSettings, error) {
	var row settingsRow
	if err := s.db.WithContext(ctx).First(&row, settingsID).Error; err != nil {
		return nil, mapGormError("get settings", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) UpdateSettings(ctx context.Context, patch SettingsPatch) (*ClinicSettings, error) {
	var row settingsRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		def := DefaultSettings()
		seed := settingsRow{
			ID: settingsID, ClinicName: def.ClinicName, AutoSync: def.AutoSync,
			NotificationSettings: def.NotificationSettings,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		return updateIn(tx, &row, row.TableName(), settingsID, patch.changes())
	})
	if err != nil {
		return nil, mapGormError("update settings", err)
	}
	return row.toModel(), nil
}

// -- Users --

func (s *GormStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, mapGormError("get user", err)
	}
	return &User{ID: row.ID, Username: row.Username, Password: row.Password}, nil
}

func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&row).Error; err != nil {
		return nil, mapGormError("get user by username", err)
	}
	return &User{ID: row.ID, Username: row.Username, Password: row.Password}, nil
}

func (s *GormStore) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	row := userRow{Username: in.Username, Password: in.Password}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapGormError("create user", err)
	}
	return &User{ID: row.ID, Username: row.Username, Password: row.Password}, nil
}

// -- helpers --

// update applies changes to the row with the given id and reloads it into
// dst. The existence check and the write share one transaction.
func (s *GormStore) update(ctx context.Context, dst interface{}, table string, id int64, changes []change) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateIn(tx, dst, table, id, changes)
	})
}

func updateIn(tx *gorm.DB, dst interface{}, table string, id int64, changes []change) error {
	if err := tx.First(dst, id).Error; err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(changes))
	for _, c := range changes {
		v, err := gormValue(c.value)
		if err != nil {
			return err
		}
		values[c.column] = v
	}
	if err := tx.Table(table).Where("id = ?", id).Updates(values).Error; err != nil {
		return err
	}
	return tx.First(dst, id).Error
}

// gormValue converts patch values to their column representation. Table
// updates bypass field serializers, so JSON columns are encoded here.
func gormValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case time.Time:
		return millis(t), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return millis(*t), nil
	case NotificationSettings:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

func mapGormError(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateUsername
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return ErrInvalidPatientReference
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Store = (*GormStore)(nil)
