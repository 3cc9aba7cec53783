package task

import "path/filepath"

// Layout resolves per-task paths under the data directory:
//
//	<root>/tasks/<id>/cookies.json
//	<root>/tasks/<id>/trigger.json
//	<root>/tasks/<id>/screenshots/
//	<root>/tasks/<id>/task.log
type Layout struct {
	Root string
}

func (l Layout) Dir(id string) string            { return filepath.Join(l.Root, "tasks", id) }
func (l Layout) CookiesPath(id string) string    { return filepath.Join(l.Dir(id), "cookies.json") }
func (l Layout) TriggerPath(id string) string    { return filepath.Join(l.Dir(id), "trigger.json") }
func (l Layout) ScreenshotsDir(id string) string { return filepath.Join(l.Dir(id), "screenshots") }
func (l Layout) LogPath(id string) string        { return filepath.Join(l.Dir(id), "task.log") }
