package api

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/qsrgraph/qsrgraph/audit"
	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/health"
	"github.com/qsrgraph/qsrgraph/reliability"
)

type uploadResponse struct {
	ProcessID       string `json:"process_id"`
	Filename        string `json:"filename"`
	Pages           int    `json:"pages"`
	Size            string `json:"size"`
	StatusStreamURL string `json:"status_stream_url"`
	SnapshotURL     string `json:"snapshot_url"`
	ResultURL       string `json:"result_url"`
}

// handleUpload accepts a PDF as multipart field "file" or as the raw
// request body and starts a process. 202 means accepted, not finished.
func (s *Server) handleUpload(c echo.Context) error {
	data, filename, err := readUpload(c)
	if err != nil {
		return respondError(c, err)
	}

	proc, err := s.deps.Pipeline.Submit(data, filename)
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	s.recordAudit(c, audit.EventUpload, "upload document", filename, result,
		map[string]string{"size": humanize.Bytes(uint64(len(data)))})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, uploadResponse{
		ProcessID:       proc.ID,
		Filename:        proc.Filename,
		Pages:           proc.Pages,
		Size:            humanize.Bytes(uint64(len(data))),
		StatusStreamURL: "/progress/" + proc.ID,
		SnapshotURL:     "/status/" + proc.ID,
		ResultURL:       "/result/" + proc.ID,
	})
}

func readUpload(c echo.Context) ([]byte, string, error) {
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, "", common.Wrap(common.KindInvalidInput, "unreadable upload", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", common.Wrap(common.KindInvalidInput, "unreadable upload", err)
		}
		return data, fh.Filename, nil
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil || len(data) == 0 {
		return nil, "", common.E(common.KindInvalidInput, "request carries no document")
	}
	filename := c.QueryParam("filename")
	if filename == "" {
		filename = "upload.pdf"
	}
	return data, filename, nil
}

// handleStatus returns the latest progress snapshot for a process.
func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("id")
	if u, ok := s.deps.Bus.Snapshot(id); ok {
		return c.JSON(http.StatusOK, u)
	}
	return c.JSON(http.StatusNotFound, errorResponse{
		Error: "unknown process", Kind: string(common.KindInvalidInput),
	})
}

// handleResult returns the terminal outcome. 409 while still running.
func (s *Server) handleResult(c echo.Context) error {
	proc, ok := s.deps.Pipeline.Registry().Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{
			Error: "unknown process", Kind: string(common.KindInvalidInput),
		})
	}
	if !proc.Status().Terminal() {
		return c.JSON(http.StatusConflict, errorResponse{
			Error: "process still running, poll /status/" + proc.ID,
			Kind:  string(common.KindBusyRetryLater),
		})
	}
	return c.JSON(http.StatusOK, proc.Outcome())
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	err := s.deps.Pipeline.Cancel(id)
	s.auditControl(c, "cancel process", id, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"process_id": id, "status": "cancel_requested"})
}

func (s *Server) handleRetry(c echo.Context) error {
	id := c.Param("id")
	err := s.deps.Pipeline.RetryStage(id)
	s.auditControl(c, "retry stage", id, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"process_id": id, "status": "retry_requested"})
}

func (s *Server) handleForceComplete(c echo.Context) error {
	id := c.Param("id")
	err := s.deps.Pipeline.ForceComplete(id)
	s.auditControl(c, "force complete stage", id, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"process_id": id, "status": "force_requested"})
}

func (s *Server) handleRestart(c echo.Context) error {
	id := c.Param("id")
	proc, err := s.deps.Pipeline.Restart(id)
	s.auditControl(c, "restart process", id, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"process_id": proc.ID, "restarted_from": id, "status": "restarted",
	})
}

func (s *Server) auditControl(c echo.Context, action, processID string, err error) {
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
		if common.KindOf(err) == common.KindPermissionDenied {
			result = audit.ResultDenied
		}
	}
	s.recordAudit(c, audit.EventProcessControl, action, processID, result, nil)
}

type documentSummary struct {
	ProcessID string `json:"process_id"`
	Filename  string `json:"filename"`
	Pages     int    `json:"pages"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Uploaded  string `json:"uploaded"`
}

func (s *Server) handleListDocuments(c echo.Context) error {
	procs := s.deps.Pipeline.Registry().All()
	out := make([]documentSummary, 0, len(procs))
	for _, p := range procs {
		out = append(out, documentSummary{
			ProcessID: p.ID,
			Filename:  p.Filename,
			Pages:     p.Pages,
			Status:    string(p.Status()),
			Stage:     string(p.Stage()),
			Uploaded:  humanize.Time(p.CreatedAt),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": out, "total": len(out)})
}

// handleGetDocument returns one document with its full stage history.
func (s *Server) handleGetDocument(c echo.Context) error {
	id := c.Param("id")
	proc, ok := s.deps.Pipeline.Registry().Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{
			Error: "unknown process", Kind: string(common.KindInvalidInput),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document": documentSummary{
			ProcessID: proc.ID,
			Filename:  proc.Filename,
			Pages:     proc.Pages,
			Status:    string(proc.Status()),
			Stage:     string(proc.Stage()),
			Uploaded:  humanize.Time(proc.CreatedAt),
		},
		"stage_history": proc.History(),
	})
}

// handleDeleteDocument cancels a live process and forgets it entirely:
// registry entry, progress history, and the stored upload.
func (s *Server) handleDeleteDocument(c echo.Context) error {
	id := c.Param("id")
	reg := s.deps.Pipeline.Registry()
	proc, ok := reg.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{
			Error: "unknown process", Kind: string(common.KindInvalidInput),
		})
	}
	if !proc.Status().Terminal() {
		_ = s.deps.Pipeline.Cancel(id)
	}
	reg.Remove(id)
	s.deps.Bus.Remove(id)
	os.Remove(proc.UploadPath)

	s.recordAudit(c, audit.EventDataDeletion, "delete document", proc.Filename,
		audit.ResultSuccess, map[string]string{"process_id": id})
	return c.JSON(http.StatusOK, map[string]string{"process_id": id, "status": "deleted"})
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.deps.Monitor == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	d := s.deps.Monitor.Dashboard()
	status := http.StatusOK
	if d.Overall == health.LevelCritical {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, d)
}

func (s *Server) handleAlerts(c echo.Context) error {
	if s.deps.Monitor == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"alerts": []struct{}{}})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"alerts": s.deps.Monitor.ActiveAlerts(),
	})
}

func (s *Server) handleDLQ(c echo.Context) error {
	if s.deps.DLQ == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"items": []struct{}{}, "depth": 0})
	}
	class := reliability.Classification(c.QueryParam("class"))
	items := s.deps.DLQ.Items(class)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": items,
		"depth": s.deps.DLQ.Depth(),
	})
}

func (s *Server) handleDLQResolve(c echo.Context) error {
	id := c.Param("id")
	if s.deps.DLQ == nil || !s.deps.DLQ.Resolve(id) {
		return c.JSON(http.StatusNotFound, errorResponse{
			Error: "unknown dlq record", Kind: string(common.KindInvalidInput),
		})
	}
	s.recordAudit(c, audit.EventProcessControl, "resolve dlq record", id, audit.ResultSuccess, nil)
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func (s *Server) handleRecoveryHistory(c echo.Context) error {
	if s.deps.Recovery == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"attempts": []struct{}{}})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"attempts": s.deps.Recovery.History(),
	})
}

func (s *Server) handleDegradation(c echo.Context) error {
	if s.deps.Degradation == nil {
		return c.JSON(http.StatusOK, map[string]string{"mode": "normal"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"mode":        s.deps.Degradation.Mode(),
		"triggers":    s.deps.Degradation.ActiveTriggers(),
		"queue_depth": s.deps.Degradation.QueueDepth(),
		"events":      s.deps.Degradation.Events(),
	})
}

// handleGetConfig returns the active configuration with credentials
// masked.
func (s *Server) handleGetConfig(c echo.Context) error {
	snap := *s.deps.Config.Snapshot()
	if snap.Database.Password != "" {
		snap.Database.Password = "********"
	}
	return c.JSON(http.StatusOK, snap)
}

type configChangeRequest struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

func (s *Server) handleSetConfig(c echo.Context) error {
	var req configChangeRequest
	if err := c.Bind(&req); err != nil || req.Key == "" {
		return respondError(c, common.E(common.KindInvalidInput, "body must carry key and value"))
	}
	name, _ := actor(c)
	change, err := s.deps.Config.Set(req.Key, req.Value, name)
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	s.recordAudit(c, audit.EventConfigChange, "set "+req.Key, req.Key, result, nil)
	if err != nil {
		return respondError(c, common.Wrap(common.KindInvalidInput, "configuration change rejected", err))
	}
	return c.JSON(http.StatusOK, change)
}

func (s *Server) handleConfigTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"templates": config.Templates(),
	})
}

func (s *Server) handleApplyTemplate(c echo.Context) error {
	id := c.Param("id")
	name, _ := actor(c)
	changes, err := s.deps.Config.ApplyTemplate(id, name)
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	s.recordAudit(c, audit.EventConfigChange, "apply template "+id, id, result, nil)
	if err != nil {
		return respondError(c, common.Wrap(common.KindInvalidInput, "template rejected", err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"changes": changes})
}

func (s *Server) handleConfigChanges(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"changes": s.deps.Config.Changes(),
	})
}

func (s *Server) handleConfigRollback(c echo.Context) error {
	name, _ := actor(c)
	change, err := s.deps.Config.Rollback(c.Param("change_id"), name)
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	s.recordAudit(c, audit.EventConfigChange, "rollback "+c.Param("change_id"),
		change.KeyPath, result, nil)
	if err != nil {
		return respondError(c, common.Wrap(common.KindInvalidInput, "rollback rejected", err))
	}
	return c.JSON(http.StatusOK, change)
}

func (s *Server) handleAuditEvents(c echo.Context) error {
	if s.deps.Audit == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"events": []struct{}{}})
	}
	from, to := auditPeriod(c)
	minRisk, _ := strconv.Atoi(c.QueryParam("min_risk"))
	events, err := s.deps.Audit.Query(from, to, audit.Filter{
		EventType: c.QueryParam("event_type"),
		Actor:     c.QueryParam("actor"),
		MinRisk:   minRisk,
	})
	if err != nil {
		return respondError(c, err)
	}
	s.recordAudit(c, audit.EventDataAccess, "query audit events", "", audit.ResultSuccess, nil)
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events, "total": len(events)})
}

func (s *Server) handleAuditReport(c echo.Context) error {
	if s.deps.Audit == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "audit disabled"})
	}
	from, to := auditPeriod(c)
	report, err := s.deps.Audit.Summarize(from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// auditPeriod parses from/to query params, defaulting to the last day.
func auditPeriod(c echo.Context) (time.Time, time.Time) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now
	if v := c.QueryParam("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}
