package folder

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/auri/auri/pkg/plugin"
)

// watch lists the folder, then emits every file written to it once the file settles.
// It returns nil when ctx ends.
func (c *Collector) watch(ctx context.Context, emit func(plugin.CollectorStatus)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch before listing so files created in between are not missed.
	if err := watcher.Add(c.def.SamplesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.def.SamplesDir, err)
	}
	if err := c.single(ctx, emit); err != nil {
		return err
	}
	emit(plugin.Processing{What: "Watching folder for new samples"})

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(max(c.def.Settle/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				c.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Sample file changed")
				pending[event.Name] = time.Now()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error().Err(err).Msg("Watcher error")

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < c.def.Settle {
					continue
				}
				delete(pending, path)
				sample, err := c.sample(path)
				if err != nil {
					c.logger.Debug().Err(err).Str("file", path).Msg("Skipping file")
					continue
				}
				emit(plugin.NewSample{Sample: sample})
			}
		}
	}
}
