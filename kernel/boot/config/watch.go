package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file whenever it changes.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	cfgC chan Config
	errC chan error
}

// Watch starts watching the configuration file at path. The directory is
// watched so that editors replacing the file are also noticed.
func Watch(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	cw := &Watcher{w: w, path: filepath.Clean(path), cfgC: make(chan Config, 4), errC: make(chan error, 4)}
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	defer close(cw.cfgC)
	defer close(cw.errC)

	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := LoadFile(cw.path)
			if err != nil {
				cw.errC <- err
				continue
			}
			cw.cfgC <- cfg
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.errC <- err
		}
	}
}

// Configs returns the channel receiving every successfully reloaded
// configuration.
func (cw *Watcher) Configs() <-chan Config { return cw.cfgC }

// Errors returns the channel receiving load and watch errors.
func (cw *Watcher) Errors() <-chan error { return cw.errC }

// Close stops watching.
func (cw *Watcher) Close() error { return cw.w.Close() }
