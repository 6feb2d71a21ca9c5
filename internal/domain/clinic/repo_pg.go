package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meditrack/meditrack/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// PGStore is the PostgreSQL engine. The schema lives in migrations/.
type PGStore struct {
	pool *pgxpool.Pool
	opts storeOptions
}

func NewPGStore(pool *pgxpool.Pool, opts ...StoreOption) *PGStore {
	return &PGStore{pool: pool, opts: newStoreOptions(opts)}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// -- Patients --

const patientColumns = `id, name, phone, email, date_of_birth, address, notes, last_visit`

func scanPatient(row scanner) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Email, &p.DateOfBirth, &p.Address, &p.Notes, &p.LastVisit); err != nil {
		return nil, err
	}
	p.LastVisit = utcPtr(p.LastVisit)
	return &p, nil
}

func (s *PGStore) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	p, err := scanPatient(s.conn(ctx).QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError("get patient", err)
	}
	return p, nil
}

func (s *PGStore) ListPatients(ctx context.Context) ([]*Patient, error) {
	return s.queryPatients(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY id`)
}

func (s *PGStore) SearchPatients(ctx context.Context, query string) ([]*Patient, error) {
	return s.queryPatients(ctx, `SELECT `+patientColumns+` FROM patients
		WHERE name ILIKE $1 ESCAPE '!' OR phone ILIKE $1 ESCAPE '!' OR email ILIKE $1 ESCAPE '!'
		ORDER BY id`, likePattern(query))
}

func (s *PGStore) queryPatients(ctx context.Context, sql string, args ...interface{}) ([]*Patient, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	out := make([]*Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) CreatePatient(ctx context.Context, in NewPatient) (*Patient, error) {
	p, err := scanPatient(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (name, phone, email, date_of_birth, address, notes, last_visit)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
		RETURNING `+patientColumns,
		in.Name, in.Phone, in.Email, in.DateOfBirth, in.Address, in.Notes,
	))
	if err != nil {
		return nil, mapPGError("create patient", err)
	}
	return p, nil
}

func (s *PGStore) UpdatePatient(ctx context.Context, id int64, patch PatientPatch) (*Patient, error) {
	changes := patch.changes()
	if len(changes) == 0 {
		return s.GetPatient(ctx, id)
	}
	sql, args := buildUpdate("patients", changes, id, patientColumns)
	p, err := scanPatient(s.conn(ctx).QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapPGError("update patient", err)
	}
	return p, nil
}

// DeletePatient relies on the ON DELETE CASCADE foreign keys, so the patient
// and its children go in one statement.
func (s *PGStore) DeletePatient(ctx context.Context, id int64) (bool, error) {
	return s.deleteByID(ctx, "patients", id)
}

// -- Appointments --

const appointmentColumns = `id, patient_id, date, duration, treatment_type, notes, completed`

func scanAppointment(row scanner) (*Appointment, error) {
	var a Appointment
	if err := row.Scan(&a.ID, &a.PatientID, &a.Date, &a.Duration, &a.TreatmentType, &a.Notes, &a.Completed); err != nil {
		return nil, err
	}
	a.Date = a.Date.UTC()
	return &a, nil
}

func (s *PGStore) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	a, err := scanAppointment(s.conn(ctx).QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError("get appointment", err)
	}
	return a, nil
}

func (s *PGStore) ListAppointmentsByPatient(ctx context.Context, patientID int64) ([]*Appointment, error) {
	return s.queryAppointments(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE patient_id = $1 ORDER BY date, id`, patientID)
}

func (s *PGStore) ListAppointmentsByDate(ctx context.Context, day time.Time) ([]*Appointment, error) {
	start, end := dayBounds(day, s.opts.loc)
	return s.ListAppointmentsInRange(ctx, start, end)
}

func (s *PGStore) ListAppointmentsInRange(ctx context.Context, start, end time.Time) ([]*Appointment, error) {
	return s.queryAppointments(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE date >= $1 AND date <= $2 ORDER BY date, id`, start, end)
}

func (s *PGStore) ListTodayAppointments(ctx context.Context) ([]*Appointment, error) {
	return s.ListAppointmentsByDate(ctx, s.opts.now())
}

func (s *PGStore) queryAppointments(ctx context.Context, sql string, args ...interface{}) ([]*Appointment, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	out := make([]*Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	a, err := scanAppointment(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, date, duration, treatment_type, notes, completed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+appointmentColumns,
		in.PatientID, in.Date.UTC(), in.Duration, in.TreatmentType, in.Notes, in.Completed,
	))
	if err != nil {
		return nil, mapPGError("create appointment", err)
	}
	return a, nil
}

func (s *PGStore) UpdateAppointment(ctx context.Context, id int64, patch AppointmentPatch) (*Appointment, error) {
	changes := patch.changes()
	if len(changes) == 0 {
		return s.GetAppointment(ctx, id)
	}
	sql, args := buildUpdate("appointments", changes, id, appointmentColumns)
	a, err := scanAppointment(s.conn(ctx).QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapPGError("update appointment", err)
	}
	return a, nil
}

func (s *PGStore) DeleteAppointment(ctx context.Context, id int64) (bool, error) {
	return s.deleteByID(ctx, "appointments", id)
}

// -- Treatment records --

const recordColumns = `id, patient_id, date, treatment_type, notes, follow_up_needed, follow_up_date`

func scanRecord(row scanner) (*TreatmentRecord, error) {
	var r TreatmentRecord
	if err := row.Scan(&r.ID, &r.PatientID, &r.Date, &r.TreatmentType, &r.Notes, &r.FollowUpNeeded, &r.FollowUpDate); err != nil {
		return nil, err
	}
	r.Date = r.Date.UTC()
	r.FollowUpDate = utcPtr(r.FollowUpDate)
	return &r, nil
}

func (s *PGStore) GetTreatmentRecord(ctx context.Context, id int64) (*TreatmentRecord, error) {
	r, err := scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordColumns+` FROM treatment_records WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError("get treatment record", err)
	}
	return r, nil
}

func (s *PGStore) ListTreatmentRecordsByPatient(ctx context.Context, patientID int64) ([]*TreatmentRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM treatment_records
		WHERE patient_id = $1 ORDER BY date DESC, id`, patientID)
}

func (s *PGStore) ListTreatmentRecords(ctx context.Context) ([]*TreatmentRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM treatment_records ORDER BY date DESC, id`)
}

func (s *PGStore) SearchTreatmentRecords(ctx context.Context, query string) ([]*TreatmentRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM treatment_records
		WHERE treatment_type ILIKE $1 ESCAPE '!' OR notes ILIKE $1 ESCAPE '!'
		ORDER BY date DESC, id`, likePattern(query))
}

func (s *PGStore) queryRecords(ctx context.Context, sql string, args ...interface{}) ([]*TreatmentRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query treatment records: %w", err)
	}
	defer rows.Close()

	out := make([]*TreatmentRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan treatment record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateTreatmentRecord(ctx context.Context, in NewTreatmentRecord) (*TreatmentRecord, error) {
	var rec *TreatmentRecord
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		r, err := scanRecord(s.conn(ctx).QueryRow(ctx, `
			INSERT INTO treatment_records (patient_id, date, treatment_type, notes, follow_up_needed, follow_up_date)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+recordColumns,
			in.PatientID, in.Date.UTC(), in.TreatmentType, in.Notes, in.FollowUpNeeded, utcPtr(in.FollowUpDate),
		))
		if err != nil {
			return err
		}
		if _, err := s.conn(ctx).Exec(ctx,
			`UPDATE patients SET last_visit = $1 WHERE id = $2`, r.Date, r.PatientID); err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, mapPGError("create treatment record", err)
	}
	return rec, nil
}

func (s *PGStore) UpdateTreatmentRecord(ctx context.Context, id int64, patch TreatmentRecordPatch) (*TreatmentRecord, error) {
	changes := patch.changes()
	if len(changes) == 0 {
		return s.GetTreatmentRecord(ctx, id)
	}
	sql, args := buildUpdate("treatment_records", changes, id, recordColumns)
	r, err := scanRecord(s.conn(ctx).QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapPGError("update treatment record", err)
	}
	return r, nil
}

func (s *PGStore) DeleteTreatmentRecord(ctx context.Context, id int64) (bool, error) {
	return s.deleteByID(ctx, "treatment_records", id)
}

// -- Settings --

const settingsColumns = `id, clinic_name, address, phone, google_account, last_sync, auto_sync, notification_settings`

func scanSettings(row scanner) (*ClinicSettings, error) {
	var cs ClinicSettings
	if err := row.Scan(&cs.ID, &cs.ClinicName, &cs.Address, &cs.Phone, &cs.GoogleAccount,
		&cs.LastSync, &cs.AutoSync, &cs.NotificationSettings); err != nil {
		return nil, err
	}
	cs.LastSync = utcPtr(cs.LastSync)
	return &cs, nil
}

func (s *PGStore) GetSettings(ctx context.Context) (*ClinicSettings, error) {
	cs, err := scanSettings(s.conn(ctx).QueryRow(ctx, `SELECT `+settingsColumns+` FROM clinic_settings WHERE id = $1`, settingsID))
	if err != nil {
		return nil, mapPGError("get settings", err)
	}
	return cs, nil
}

func (s *PGStore) UpdateSettings(ctx context.Context, patch SettingsPatch) (*ClinicSettings, error) {
	var out *ClinicSettings
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		def := DefaultSettings()
		if _, err := s.conn(ctx).Exec(ctx, `
			INSERT INTO clinic_settings (id, clinic_name, auto_sync, notification_settings)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			settingsID, def.ClinicName, def.AutoSync, def.NotificationSettings,
		); err != nil {
			return err
		}

		changes := patch.changes()
		var row pgx.Row
		if len(changes) == 0 {
			row = s.conn(ctx).QueryRow(ctx, `SELECT `+settingsColumns+` FROM clinic_settings WHERE id = $1`, settingsID)
		} else {
			sql, args := buildUpdate("clinic_settings", changes, settingsID, settingsColumns)
			row = s.conn(ctx).QueryRow(ctx, sql, args...)
		}
		cs, err := scanSettings(row)
		if err != nil {
			return err
		}
		out = cs
		return nil
	})
	if err != nil {
		return nil, mapPGError("update settings", err)
	}
	return out, nil
}

// -- Users --

const userColumns = `id, username, password`

func scanUser(row scanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Password); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError("get user", err)
	}
	return u, nil
}

func (s *PGStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, mapPGError("get user by username", err)
	}
	return u, nil
}

func (s *PGStore) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	u, err := scanUser(s.conn(ctx).QueryRow(ctx,
		`INSERT INTO users (username, password) VALUES ($1, $2) RETURNING `+userColumns,
		in.Username, in.Password))
	if err != nil {
		return nil, mapPGError("create user", err)
	}
	return u, nil
}

// -- helpers --

func (s *PGStore) deleteByID(ctx context.Context, table string, id int64) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// buildUpdate renders "UPDATE table SET c1 = $1, ... WHERE id = $n RETURNING
// columns" touching only the patched columns.
func buildUpdate(table string, changes []change, id int64, returning string) (string, []interface{}) {
	sets := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)+1)
	for i, c := range changes {
		sets = append(sets, fmt.Sprintf("%s = $%d", c.column, i+1))
		args = append(args, c.value)
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING %s",
		table, strings.Join(sets, ", "), len(args), returning)
	return sql, args
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// likePattern builds a substring pattern for LIKE ... ESCAPE '!'.
func likePattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

func mapPGError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateUsername
		case "23503":
			return ErrInvalidPatientReference
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Store = (*PGStore)(nil)
