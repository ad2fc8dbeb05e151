package daemon

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ankittk/stagehand/internal/httpapi"
)

// runWatcher hot-reloads contracts.yaml and policies.yaml when they change
// under the home directory. A reload failure keeps the active set and logs;
// the daemon never dies on a bad edit.
func runWatcher(ctx context.Context, home string, app *httpapi.App) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(home); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			switch filepath.Base(ev.Name) {
			case "contracts.yaml":
				version, err := app.Registry.LoadFile(ctx, ev.Name)
				if err != nil {
					slog.Warn("contracts reload failed", "path", ev.Name, "err", err)
					continue
				}
				slog.Info("contracts reloaded", "path", ev.Name, "version", version)
				app.Hub.PublishJSON(map[string]any{"type": "contract_update", "version": version})
			case "policies.yaml":
				if err := app.Policies.LoadFile(ev.Name); err != nil {
					slog.Warn("policies reload failed", "path", ev.Name, "err", err)
					continue
				}
				slog.Info("policies reloaded", "path", ev.Name)
				app.Hub.PublishJSON(map[string]any{"type": "policy_update", "policies": app.Policies.Names()})
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}
