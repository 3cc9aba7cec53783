package api

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"mcrenew/internal/renewer"
	"mcrenew/internal/session"
	"mcrenew/internal/storage"
	"mcrenew/internal/supervisor"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
)

const (
	screenshotsListed = 20
	defaultLogLines   = 100
	maxLogLines       = 2000
	defaultAuditRows  = 50
)

func (s *Server) ctx(c *fiber.Ctx) context.Context {
	return supervisor.WithSource(c.UserContext(), "api")
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	return c.JSON(s.mgr.StatusAll())
}

func (s *Server) getTask(c *fiber.Ctx) error {
	st, err := s.mgr.Status(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

type addRequest struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	TargetURL            string           `json:"target_url"`
	RenewIntervalMinutes int              `json:"renew_interval_minutes"`
	Enabled              *bool            `json:"enabled"`
	ManualMode           bool             `json:"manual_mode"`
	Cookies              []session.Cookie `json:"cookies"`
}

func (s *Server) addTask(c *fiber.Ctx) error {
	var req addRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	t := task.Task{
		ID:                   strings.TrimSpace(req.ID),
		Name:                 strings.TrimSpace(req.Name),
		TargetURL:            strings.TrimSpace(req.TargetURL),
		RenewIntervalMinutes: req.RenewIntervalMinutes,
		Enabled:              req.Enabled == nil || *req.Enabled,
		ManualMode:           req.ManualMode,
	}
	if t.RenewIntervalMinutes == 0 {
		t.RenewIntervalMinutes = task.DefaultIntervalMinutes
	}
	if _, err := s.mgr.Add(s.ctx(c), t, req.Cookies); err != nil {
		return err
	}
	st, err := s.mgr.Status(t.ID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(st)
}

func (s *Server) updateTask(c *fiber.Ctx) error {
	var p task.Patch
	if err := c.BodyParser(&p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if p.Empty() {
		return fiber.NewError(fiber.StatusBadRequest, "nothing to update")
	}
	id := c.Params("id")
	if _, err := s.mgr.Update(s.ctx(c), id, p); err != nil {
		return err
	}
	return s.getTask(c)
}

func (s *Server) deleteTask(c *fiber.Ctx) error {
	if err := s.mgr.Delete(s.ctx(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) startTask(c *fiber.Ctx) error {
	if err := s.mgr.Start(s.ctx(c), c.Params("id")); err != nil {
		return err
	}
	return s.getTask(c)
}

func (s *Server) stopTask(c *fiber.Ctx) error {
	if err := s.mgr.Stop(s.ctx(c), c.Params("id")); err != nil {
		return err
	}
	return s.getTask(c)
}

func (s *Server) restartTask(c *fiber.Ctx) error {
	if err := s.mgr.Restart(s.ctx(c), c.Params("id")); err != nil {
		return err
	}
	return s.getTask(c)
}

// manualMode sets {"manual_mode": bool}, or toggles when the body is empty.
func (s *Server) manualMode(c *fiber.Ctx) error {
	id := c.Params("id")
	var req struct {
		ManualMode *bool `json:"manual_mode"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if req.ManualMode == nil {
		cur, err := s.mgr.Status(id)
		if err != nil {
			return err
		}
		v := !cur.ManualMode
		req.ManualMode = &v
	}
	if _, err := s.mgr.SetManualMode(s.ctx(c), id, *req.ManualMode); err != nil {
		return err
	}
	return s.getTask(c)
}

func (s *Server) triggerTask(c *fiber.Ctx) error {
	action, err := trigger.ParseAction(c.Params("action"))
	if err != nil {
		return err
	}
	var req struct {
		DelayMinutes *int `json:"delay_minutes" form:"delay_minutes"`
		DelayCamel   *int `json:"delayMinutes" form:"delayMinutes"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if req.DelayMinutes == nil {
		req.DelayMinutes = req.DelayCamel
	}
	if req.DelayMinutes == nil && c.Query("delay_minutes") != "" {
		d := c.QueryInt("delay_minutes", -1)
		req.DelayMinutes = &d
	}
	if err := (trigger.Signal{Action: action, DelayMinutes: req.DelayMinutes}).Validate(); err != nil {
		return err
	}
	sig, err := s.mgr.Trigger(s.ctx(c), c.Params("id"), action, req.DelayMinutes)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(sig)
}

func (s *Server) listScreenshots(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.mgr.Registry().Get(id); err != nil {
		return err
	}
	list, err := renewer.ListSnapshots(s.mgr.Layout().ScreenshotsDir(id))
	if err != nil {
		return err
	}
	if len(list) > screenshotsListed {
		list = list[:screenshotsListed]
	}
	if list == nil {
		list = []renewer.SnapshotInfo{}
	}
	return c.JSON(list)
}

func (s *Server) getScreenshot(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.mgr.Registry().Get(id); err != nil {
		return err
	}
	name := c.Params("name")
	if name != filepath.Base(name) || !strings.EqualFold(filepath.Ext(name), ".png") {
		return fiber.NewError(fiber.StatusBadRequest, "invalid screenshot name")
	}
	path := filepath.Join(s.mgr.Layout().ScreenshotsDir(id), name)
	if _, err := os.Stat(path); err != nil {
		return fiber.ErrNotFound
	}
	c.Type("png")
	return c.SendFile(path)
}

func (s *Server) taskLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.mgr.Registry().Get(id); err != nil {
		return err
	}
	n := c.QueryInt("lines", defaultLogLines)
	if n <= 0 {
		n = defaultLogLines
	}
	if n > maxLogLines {
		n = maxLogLines
	}
	lines, err := tailLines(s.mgr.Layout().LogPath(id), n)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"task_id": id, "lines": lines})
}

func (s *Server) taskAudit(c *fiber.Ctx) error {
	if s.store == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "audit log disabled")
	}
	id := c.Params("id")
	limit := c.QueryInt("limit", defaultAuditRows)
	if limit <= 0 || limit > 1000 {
		limit = defaultAuditRows
	}
	rows, err := s.store.RecentAudit(s.ctx(c), id, limit)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []storage.AuditEntry{}
	}
	return c.JSON(rows)
}

// tailLines returns up to n trailing lines of path. A missing file is empty.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	const chunk = 64 << 10
	size := fi.Size()
	var buf []byte
	for off := size; off > 0; {
		step := int64(chunk)
		if off < step {
			step = off
		}
		off -= step
		part := make([]byte, step)
		if _, err := f.ReadAt(part, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(part, buf...)
		if strings.Count(string(buf), "\n") > n {
			break
		}
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return []string{}, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
