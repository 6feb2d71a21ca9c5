package clinic

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/meditrack/meditrack/pkg/pagination"
)

type Handler struct {
	svc *Service
	loc *time.Location
}

// NewHandler serves the clinic REST API. Date-only parameters are
// interpreted in loc.
func NewHandler(svc *Service, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{svc: svc, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/search", h.SearchPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.POST("/patients", h.CreatePatient)
	api.PATCH("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)
	api.GET("/patients/:id/appointments", h.ListPatientAppointments)
	api.GET("/patients/:id/records", h.ListPatientRecords)

	api.GET("/appointments/today", h.ListTodayAppointments)
	api.GET("/appointments/date/:date", h.ListAppointmentsByDate)
	api.GET("/appointments/range", h.ListAppointmentsInRange)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments", h.CreateAppointment)
	api.PATCH("/appointments/:id", h.UpdateAppointment)
	api.DELETE("/appointments/:id", h.DeleteAppointment)

	api.GET("/records", h.ListRecords)
	api.GET("/records/search", h.SearchRecords)
	api.GET("/records/:id", h.GetRecord)
	api.POST("/records", h.CreateRecord)
	api.PATCH("/records/:id", h.UpdateRecord)
	api.DELETE("/records/:id", h.DeleteRecord)

	api.GET("/settings", h.GetSettings)
	api.PATCH("/settings", h.UpdateSettings)

	api.POST("/sync", h.Sync)
}

// -- helpers --

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps service errors onto HTTP responses. notFound is the message
// used when the entity addressed by the request does not exist.
func httpError(err error, notFound string) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": "Invalid " + ve.Entity + " data",
			"errors":  ve.Fields,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.Is(err, ErrInvalidPatientReference):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	case errors.Is(err, ErrLastVisitReadOnly):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateUsername):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func bindJSON(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// parseDay accepts YYYY-MM-DD in the handler location or an RFC 3339
// timestamp. dateOnly reports which form was used.
func (h *Handler) parseDay(s string) (t time.Time, dateOnly bool, err error) {
	if t, err = time.ParseInLocation("2006-01-02", s, h.loc); err == nil {
		return t, true, nil
	}
	if t, err = time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	return time.Time{}, false, err
}

// -- Patients --

func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, patients)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	patients, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, patients)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "Patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in NewPatient
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), in)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusCreated, p)
}

// UpdatePatient rejects bodies that try to set lastVisit; it is derived from
// treatment records.
func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, ok := fields["lastVisit"]; ok {
		return httpError(ErrLastVisitReadOnly, "")
	}
	var patch PatientPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err, "Patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.DeletePatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	appts, err := h.svc.ListPatientAppointments(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "Patient not found")
	}
	return pagination.JSON(c, http.StatusOK, appts)
}

func (h *Handler) ListPatientRecords(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	records, err := h.svc.ListPatientTreatmentRecords(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "Patient not found")
	}
	return pagination.JSON(c, http.StatusOK, records)
}

// -- Appointments --

func (h *Handler) ListTodayAppointments(c echo.Context) error {
	appts, err := h.svc.ListTodayAppointments(c.Request().Context())
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, appts)
}

func (h *Handler) ListAppointmentsByDate(c echo.Context) error {
	day, _, err := h.parseDay(c.Param("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid date format")
	}
	appts, err := h.svc.ListAppointmentsByDate(c.Request().Context(), day)
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, appts)
}

// ListAppointmentsInRange treats a date-only end as the whole of that day.
func (h *Handler) ListAppointmentsInRange(c echo.Context) error {
	start, _, err := h.parseDay(c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid date format")
	}
	end, endDateOnly, err := h.parseDay(c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid date format")
	}
	if endDateOnly {
		_, end = dayBounds(end, h.loc)
	}
	if start.After(end) {
		return echo.NewHTTPError(http.StatusBadRequest, "start must not be after end")
	}
	appts, err := h.svc.ListAppointmentsInRange(c.Request().Context(), start, end)
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, appts)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "Appointment not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in NewAppointment
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), in)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch AppointmentPatch
	if err := bindJSON(c, &patch); err != nil {
		return err
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err, "Appointment not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.DeleteAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Appointment not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Treatment records --

func (h *Handler) ListRecords(c echo.Context) error {
	records, err := h.svc.ListTreatmentRecords(c.Request().Context())
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, records)
}

func (h *Handler) SearchRecords(c echo.Context) error {
	records, err := h.svc.SearchTreatmentRecords(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return httpError(err, "")
	}
	return pagination.JSON(c, http.StatusOK, records)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetTreatmentRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "Treatment record not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var in NewTreatmentRecord
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	r, err := h.svc.CreateTreatmentRecord(c.Request().Context(), in)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch TreatmentRecordPatch
	if err := bindJSON(c, &patch); err != nil {
		return err
	}
	r, err := h.svc.UpdateTreatmentRecord(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err, "Treatment record not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.DeleteTreatmentRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Treatment record not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Settings --

func (h *Handler) GetSettings(c echo.Context) error {
	cs, err := h.svc.GetSettings(c.Request().Context())
	if err != nil {
		return httpError(err, "Clinic settings not found")
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var patch SettingsPatch
	if err := bindJSON(c, &patch); err != nil {
		return err
	}
	cs, err := h.svc.UpdateSettings(c.Request().Context(), patch)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, cs)
}

// -- Sync --

func (h *Handler) Sync(c echo.Context) error {
	res, err := h.svc.Sync(c.Request().Context())
	if errors.Is(err, ErrNoBackupTarget) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Backup is not configured")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to sync data",
			"error":   err.Error(),
		}).SetInternal(err)
	}
	return c.JSON(http.StatusOK, res)
}
