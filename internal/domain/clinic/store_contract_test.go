package clinic

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testLoc is the clinic-local zone used for day boundaries in store tests.
var testLoc = time.FixedZone("clinic", -5*60*60)

// testNow is 2024-06-01 10:00 clinic time.
var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, testLoc)

type storeFactory func(t *testing.T) Store

func testStoreOptions() []StoreOption {
	return []StoreOption{
		WithLocation(testLoc),
		WithClock(func() time.Time { return testNow }),
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func mustPatient(t *testing.T, s Store, name, phone string) *Patient {
	t.Helper()
	p, err := s.CreatePatient(context.Background(), NewPatient{Name: name, Phone: phone})
	if err != nil {
		t.Fatalf("CreatePatient(%q) error: %v", name, err)
	}
	return p
}

func mustAppointment(t *testing.T, s Store, patientID int64, date time.Time) *Appointment {
	t.Helper()
	a, err := s.CreateAppointment(context.Background(), NewAppointment{
		PatientID: patientID, Date: date, Duration: 30, TreatmentType: "Checkup",
	})
	if err != nil {
		t.Fatalf("CreateAppointment() error: %v", err)
	}
	return a
}

func mustRecord(t *testing.T, s Store, patientID int64, date time.Time, treatment string, notes *string) *TreatmentRecord {
	t.Helper()
	r, err := s.CreateTreatmentRecord(context.Background(), NewTreatmentRecord{
		PatientID: patientID, Date: date, TreatmentType: treatment, Notes: notes,
	})
	if err != nil {
		t.Fatalf("CreateTreatmentRecord() error: %v", err)
	}
	return r
}

func appointmentIDs(as []*Appointment) []int64 {
	ids := make([]int64, len(as))
	for i, a := range as {
		ids[i] = a.ID
	}
	return ids
}

func recordIDs(rs []*TreatmentRecord) []int64 {
	ids := make([]int64, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// runStoreContract exercises the behaviour every engine must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("IDAssignment", func(t *testing.T) {
		s := newStore(t)
		for want := int64(1); want <= 3; want++ {
			p := mustPatient(t, s, "Patient", "555")
			if p.ID != want {
				t.Errorf("expected id %d, got %d", want, p.ID)
			}
			if p.LastVisit != nil {
				t.Errorf("expected nil lastVisit on create, got %v", p.LastVisit)
			}
		}
	})

	t.Run("PartialUpdateKeepsOtherFields", func(t *testing.T) {
		s := newStore(t)
		email := "a@b.c"
		p, err := s.CreatePatient(ctx, NewPatient{Name: "A", Phone: "1", Email: &email})
		if err != nil {
			t.Fatalf("CreatePatient() error: %v", err)
		}
		name := "B"
		updated, err := s.UpdatePatient(ctx, p.ID, PatientPatch{Name: &name})
		if err != nil {
			t.Fatalf("UpdatePatient() error: %v", err)
		}
		if updated.Name != "B" || updated.Phone != "1" {
			t.Errorf("unexpected patient after update: %+v", updated)
		}
		if updated.Email == nil || *updated.Email != "a@b.c" {
			t.Errorf("expected email to survive update, got %v", updated.Email)
		}
		if updated.ID != p.ID {
			t.Errorf("expected id %d, got %d", p.ID, updated.ID)
		}

		cleared, err := s.UpdatePatient(ctx, p.ID, PatientPatch{Email: Null[string]()})
		if err != nil {
			t.Fatalf("UpdatePatient() error: %v", err)
		}
		if cleared.Email != nil {
			t.Errorf("expected email cleared, got %v", *cleared.Email)
		}
		if cleared.Name != "B" {
			t.Errorf("expected name B, got %s", cleared.Name)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		name := "x"
		if _, err := s.UpdatePatient(ctx, 42, PatientPatch{Name: &name}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		dur := 10
		if _, err := s.UpdateAppointment(ctx, 42, AppointmentPatch{Duration: &dur}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.UpdateTreatmentRecord(ctx, 42, TreatmentRecordPatch{TreatmentType: &name}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetPatient(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetPatient: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetAppointment(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAppointment: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetTreatmentRecord(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetTreatmentRecord: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetUser(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUser: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("LastVisitLastWriteWins", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		d1 := mustTime(t, "2024-06-10T09:00:00Z")
		d2 := mustTime(t, "2024-06-01T09:00:00Z")

		mustRecord(t, s, p.ID, d1, "Cleaning", nil)
		got, _ := s.GetPatient(ctx, p.ID)
		if got.LastVisit == nil || !got.LastVisit.Equal(d1) {
			t.Fatalf("expected lastVisit %v, got %v", d1, got.LastVisit)
		}

		mustRecord(t, s, p.ID, d2, "Cleaning", nil)
		got, _ = s.GetPatient(ctx, p.ID)
		if got.LastVisit == nil || !got.LastVisit.Equal(d2) {
			t.Errorf("expected earlier date %v to overwrite lastVisit, got %v", d2, got.LastVisit)
		}
	})

	t.Run("RangeInclusiveAscending", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		t1 := mustTime(t, "2024-06-01T09:00:00Z")
		t2 := mustTime(t, "2024-06-02T09:00:00Z")
		t3 := mustTime(t, "2024-06-03T09:00:00Z")
		a3 := mustAppointment(t, s, p.ID, t3)
		a1 := mustAppointment(t, s, p.ID, t1)
		a2 := mustAppointment(t, s, p.ID, t2)

		got, err := s.ListAppointmentsInRange(ctx, t1, t3)
		if err != nil {
			t.Fatalf("ListAppointmentsInRange() error: %v", err)
		}
		if want := []int64{a1.ID, a2.ID, a3.ID}; !equalIDs(appointmentIDs(got), want) {
			t.Errorf("expected %v, got %v", want, appointmentIDs(got))
		}

		got, _ = s.ListAppointmentsInRange(ctx, t2, t2)
		if want := []int64{a2.ID}; !equalIDs(appointmentIDs(got), want) {
			t.Errorf("expected %v, got %v", want, appointmentIDs(got))
		}
	})

	t.Run("DayBoundary", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		day := time.Date(2024, 6, 1, 0, 0, 0, 0, testLoc)
		first := mustAppointment(t, s, p.ID, day)
		last := mustAppointment(t, s, p.ID, day.Add(24*time.Hour-time.Second))
		mustAppointment(t, s, p.ID, day.Add(24*time.Hour))
		mustAppointment(t, s, p.ID, day.Add(-time.Second))

		got, err := s.ListAppointmentsByDate(ctx, day.Add(15*time.Hour))
		if err != nil {
			t.Fatalf("ListAppointmentsByDate() error: %v", err)
		}
		if want := []int64{first.ID, last.ID}; !equalIDs(appointmentIDs(got), want) {
			t.Errorf("expected %v, got %v", want, appointmentIDs(got))
		}

		today, err := s.ListTodayAppointments(ctx)
		if err != nil {
			t.Fatalf("ListTodayAppointments() error: %v", err)
		}
		if want := []int64{first.ID, last.ID}; !equalIDs(appointmentIDs(today), want) {
			t.Errorf("today: expected %v, got %v", want, appointmentIDs(today))
		}
	})

	t.Run("OrderingAsymmetry", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		early := mustTime(t, "2024-05-01T09:00:00Z")
		late := mustTime(t, "2024-05-20T09:00:00Z")

		aLate := mustAppointment(t, s, p.ID, late)
		aEarly := mustAppointment(t, s, p.ID, early)
		rEarly := mustRecord(t, s, p.ID, early, "X", nil)
		rLate := mustRecord(t, s, p.ID, late, "X", nil)
		rTie := mustRecord(t, s, p.ID, late, "X", nil)

		appts, _ := s.ListAppointmentsByPatient(ctx, p.ID)
		if want := []int64{aEarly.ID, aLate.ID}; !equalIDs(appointmentIDs(appts), want) {
			t.Errorf("appointments: expected %v, got %v", want, appointmentIDs(appts))
		}
		recs, _ := s.ListTreatmentRecordsByPatient(ctx, p.ID)
		if want := []int64{rLate.ID, rTie.ID, rEarly.ID}; !equalIDs(recordIDs(recs), want) {
			t.Errorf("records: expected %v, got %v", want, recordIDs(recs))
		}
		all, _ := s.ListTreatmentRecords(ctx)
		if want := []int64{rLate.ID, rTie.ID, rEarly.ID}; !equalIDs(recordIDs(all), want) {
			t.Errorf("all records: expected %v, got %v", want, recordIDs(all))
		}
	})

	t.Run("PatientSearch", func(t *testing.T) {
		s := newStore(t)
		email := "JOHN@example.com"
		john, _ := s.CreatePatient(ctx, NewPatient{Name: "John Smith", Phone: "5550001", Email: &email})
		mustPatient(t, s, "Alice", "5550002")

		for _, q := range []string{"smith", "SMITH", "hn sm", "john@EXAMPLE", "0001"} {
			got, err := s.SearchPatients(ctx, q)
			if err != nil {
				t.Fatalf("SearchPatients(%q) error: %v", q, err)
			}
			if len(got) != 1 || got[0].ID != john.ID {
				t.Errorf("SearchPatients(%q): expected only john, got %d results", q, len(got))
			}
		}
		all, _ := s.SearchPatients(ctx, "")
		if len(all) != 2 {
			t.Errorf("empty query: expected 2, got %d", len(all))
		}
		none, _ := s.SearchPatients(ctx, "zzz")
		if len(none) != 0 {
			t.Errorf("expected no matches, got %d", len(none))
		}
		pct, _ := s.SearchPatients(ctx, "%")
		if len(pct) != 0 {
			t.Errorf("expected literal %% to match nothing, got %d", len(pct))
		}

		jose := mustPatient(t, s, "JOSÉ ÁLVAREZ", "5550003")
		for _, q := range []string{"josé", "álvarez", "É Á"} {
			got, err := s.SearchPatients(ctx, q)
			if err != nil {
				t.Fatalf("SearchPatients(%q) error: %v", q, err)
			}
			if len(got) != 1 || got[0].ID != jose.ID {
				t.Errorf("SearchPatients(%q): expected only josé, got %d results", q, len(got))
			}
		}
	})

	t.Run("RecordSearch", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		notes := "Patient reports Knee pain"
		r1 := mustRecord(t, s, p.ID, mustTime(t, "2024-06-01T09:00:00Z"), "Physio", &notes)
		r2 := mustRecord(t, s, p.ID, mustTime(t, "2024-06-02T09:00:00Z"), "Knee Surgery", nil)
		mustRecord(t, s, p.ID, mustTime(t, "2024-06-03T09:00:00Z"), "Checkup", nil)

		got, err := s.SearchTreatmentRecords(ctx, "KNEE")
		if err != nil {
			t.Fatalf("SearchTreatmentRecords() error: %v", err)
		}
		if want := []int64{r2.ID, r1.ID}; !equalIDs(recordIDs(got), want) {
			t.Errorf("expected %v, got %v", want, recordIDs(got))
		}
		all, _ := s.SearchTreatmentRecords(ctx, "")
		if len(all) != 3 {
			t.Errorf("empty query: expected 3, got %d", len(all))
		}

		oedema := mustRecord(t, s, p.ID, mustTime(t, "2024-06-04T09:00:00Z"), "ÖDEM", nil)
		got, err = s.SearchTreatmentRecords(ctx, "ödem")
		if err != nil {
			t.Fatalf("SearchTreatmentRecords() error: %v", err)
		}
		if want := []int64{oedema.ID}; !equalIDs(recordIDs(got), want) {
			t.Errorf("expected %v, got %v", want, recordIDs(got))
		}
	})

	t.Run("DeleteMissingTwice", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 2; i++ {
			if ok, err := s.DeletePatient(ctx, 99); err != nil || ok {
				t.Errorf("DeletePatient: expected false, nil; got %v, %v", ok, err)
			}
			if ok, err := s.DeleteAppointment(ctx, 99); err != nil || ok {
				t.Errorf("DeleteAppointment: expected false, nil; got %v, %v", ok, err)
			}
			if ok, err := s.DeleteTreatmentRecord(ctx, 99); err != nil || ok {
				t.Errorf("DeleteTreatmentRecord: expected false, nil; got %v, %v", ok, err)
			}
		}
	})

	t.Run("DeleteThenGet", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		a := mustAppointment(t, s, p.ID, mustTime(t, "2024-06-01T09:00:00Z"))
		ok, err := s.DeleteAppointment(ctx, a.ID)
		if err != nil || !ok {
			t.Fatalf("DeleteAppointment: expected true, nil; got %v, %v", ok, err)
		}
		if _, err := s.GetAppointment(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if ok, _ := s.DeleteAppointment(ctx, a.ID); ok {
			t.Error("expected second delete to report false")
		}
	})

	t.Run("DeletePatientCascades", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		other := mustPatient(t, s, "B", "2")
		a := mustAppointment(t, s, p.ID, mustTime(t, "2024-06-01T09:00:00Z"))
		r := mustRecord(t, s, p.ID, mustTime(t, "2024-06-01T09:30:00Z"), "X", nil)
		keep := mustAppointment(t, s, other.ID, mustTime(t, "2024-06-01T11:00:00Z"))

		ok, err := s.DeletePatient(ctx, p.ID)
		if err != nil || !ok {
			t.Fatalf("DeletePatient: expected true, nil; got %v, %v", ok, err)
		}
		if _, err := s.GetAppointment(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected appointment removed, got %v", err)
		}
		if _, err := s.GetTreatmentRecord(ctx, r.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected record removed, got %v", err)
		}
		if _, err := s.GetAppointment(ctx, keep.ID); err != nil {
			t.Errorf("expected other patient's appointment to survive, got %v", err)
		}
	})

	t.Run("SettingsSingleton", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetSettings(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound before init, got %v", err)
		}

		name := "X"
		cs, err := s.UpdateSettings(ctx, SettingsPatch{ClinicName: &name})
		if err != nil {
			t.Fatalf("UpdateSettings() error: %v", err)
		}
		if cs.ID != 1 || cs.ClinicName != "X" {
			t.Errorf("unexpected settings after create: %+v", cs)
		}
		if !cs.AutoSync || !cs.NotificationSettings.SyncNotifications {
			t.Errorf("expected defaults to fill unspecified fields: %+v", cs)
		}

		off := false
		cs, err = s.UpdateSettings(ctx, SettingsPatch{AutoSync: &off, Phone: Some("555")})
		if err != nil {
			t.Fatalf("UpdateSettings() error: %v", err)
		}
		if cs.ID != 1 || cs.ClinicName != "X" || cs.AutoSync {
			t.Errorf("unexpected settings after merge: %+v", cs)
		}
		if cs.Phone == nil || *cs.Phone != "555" {
			t.Errorf("expected phone 555, got %v", cs.Phone)
		}

		got, err := s.GetSettings(ctx)
		if err != nil {
			t.Fatalf("GetSettings() error: %v", err)
		}
		if got.ClinicName != "X" || got.AutoSync {
			t.Errorf("unexpected stored settings: %+v", got)
		}

		when := mustTime(t, "2024-06-01T12:00:00Z")
		cs, _ = s.UpdateSettings(ctx, SettingsPatch{
			LastSync:             Some(when),
			NotificationSettings: &NotificationSettings{FollowUpAlerts: true},
		})
		if cs.LastSync == nil || !cs.LastSync.Equal(when) {
			t.Errorf("expected lastSync %v, got %v", when, cs.LastSync)
		}
		if cs.NotificationSettings.SyncNotifications || !cs.NotificationSettings.FollowUpAlerts {
			t.Errorf("unexpected notification settings: %+v", cs.NotificationSettings)
		}
	})

	t.Run("RecordFollowUpUpdate", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "A", "1")
		follow := mustTime(t, "2024-07-01T09:00:00Z")
		r, err := s.CreateTreatmentRecord(ctx, NewTreatmentRecord{
			PatientID: p.ID, Date: mustTime(t, "2024-06-01T09:00:00Z"), TreatmentType: "X",
			FollowUpNeeded: true, FollowUpDate: &follow,
		})
		if err != nil {
			t.Fatalf("CreateTreatmentRecord() error: %v", err)
		}
		if r.FollowUpDate == nil || !r.FollowUpDate.Equal(follow) {
			t.Fatalf("expected follow-up %v, got %v", follow, r.FollowUpDate)
		}
		no := false
		r, err = s.UpdateTreatmentRecord(ctx, r.ID, TreatmentRecordPatch{
			FollowUpNeeded: &no, FollowUpDate: Null[time.Time](),
		})
		if err != nil {
			t.Fatalf("UpdateTreatmentRecord() error: %v", err)
		}
		if r.FollowUpNeeded || r.FollowUpDate != nil {
			t.Errorf("expected follow-up cleared, got %+v", r)
		}
		if r.TreatmentType != "X" {
			t.Errorf("expected treatment type X, got %s", r.TreatmentType)
		}
	})

	t.Run("Users", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, NewUser{Username: "admin", Password: "secret"})
		if err != nil {
			t.Fatalf("CreateUser() error: %v", err)
		}
		if u.ID != 1 {
			t.Errorf("expected id 1, got %d", u.ID)
		}
		got, err := s.GetUserByUsername(ctx, "admin")
		if err != nil {
			t.Fatalf("GetUserByUsername() error: %v", err)
		}
		if got.ID != u.ID || got.Password != "secret" {
			t.Errorf("unexpected user: %+v", got)
		}
		if _, err := s.CreateUser(ctx, NewUser{Username: "admin", Password: "x"}); !errors.Is(err, ErrDuplicateUsername) {
			t.Errorf("expected ErrDuplicateUsername, got %v", err)
		}
		if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("JaneDoe", func(t *testing.T) {
		s := newStore(t)
		p := mustPatient(t, s, "Jane Doe", "5551234567")
		if p.ID != 1 {
			t.Fatalf("expected patient id 1, got %d", p.ID)
		}
		a := mustAppointment(t, s, 1, mustTime(t, "2024-06-01T09:00:00Z"))
		if a.ID != 1 || a.Completed {
			t.Errorf("unexpected appointment: %+v", a)
		}
		visit := mustTime(t, "2024-06-01T09:30:00Z")
		r := mustRecord(t, s, 1, visit, "Checkup", nil)
		if r.ID != 1 || r.FollowUpNeeded {
			t.Errorf("unexpected record: %+v", r)
		}
		got, err := s.GetPatient(ctx, 1)
		if err != nil {
			t.Fatalf("GetPatient() error: %v", err)
		}
		if got.LastVisit == nil || !got.LastVisit.Equal(visit) {
			t.Errorf("expected lastVisit %v, got %v", visit, got.LastVisit)
		}
		if got.LastVisit.Location() != time.UTC {
			t.Errorf("expected UTC lastVisit, got %v", got.LastVisit.Location())
		}
	})
}
