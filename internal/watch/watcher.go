package watch

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the config file and invokes the reload callback when it
// changes, so settings like the sync interval apply without a restart.
type Watcher struct {
	path     string
	onChange func()
}

func New(path string, onChange func()) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		log.Println("watch: no config file, watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		target := filepath.Clean(w.path)
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case evt := <-watcher.Events:
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire bursts of events per save; collapse them.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					log.Printf("watch: config file changed, reloading")
					w.onChange()
				})
			case err := <-watcher.Errors:
				log.Printf("watch: %v", err)
			}
		}
	}()
	// Watch the directory: many editors replace the file on save, which
	// drops a watch placed on the file itself.
	return watcher.Add(filepath.Dir(w.path))
}
