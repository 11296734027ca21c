package dialplan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// fileFormat is the on-disk JSON shape loaded from the configured dialplan
// path, adapted from internal/signaling/dialplan/dialplan.go's Config.
type fileFormat struct {
	Version string  `json:"version"`
	Routes  []Route `json:"routes"`
}

// Dialplan is the B2BUA's routing table. Reads are lock-free via an
// atomic.Pointer copy-on-write swap — the call manager looks up a route on
// every INVITE, and a reload (e.g. via a future admin command) must never
// block an in-flight lookup.
type Dialplan struct {
	routes atomic.Pointer[RouteList]
	path   string
	logger *slog.Logger
}

// Load reads and compiles the dialplan at path.
func Load(path string, logger *slog.Logger) (*Dialplan, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dialplan{path: path, logger: logger}
	if err := d.Reload(); err != nil {
		return nil, fmt.Errorf("dialplan: initial load: %w", err)
	}
	return d, nil
}

// Match returns the longest-prefix-matching route for destination, the
// user part of the INVITE request URI.
func (d *Dialplan) Match(destination string) (*Route, bool) {
	routes := d.routes.Load()
	if routes == nil {
		return nil, false
	}
	return routes.Match(destination)
}

// Reload re-reads the dialplan file and atomically swaps in the new table.
// A parse or validation failure leaves the previously loaded table in
// place.
func (d *Dialplan) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", d.path, err)
	}
	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", d.path, err)
	}

	routes := make(RouteList, 0, len(file.Routes))
	for i := range file.Routes {
		r := &file.Routes[i]
		if err := r.compile(); err != nil {
			return err
		}
		routes = append(routes, r)
	}

	d.routes.Store(&routes)
	d.logger.Info("[Dialplan] loaded", "path", d.path, "routes", len(routes), "version", file.Version)
	return nil
}

// RouteCount reports the number of loaded routes, used by health/status
// reporting.
func (d *Dialplan) RouteCount() int {
	routes := d.routes.Load()
	if routes == nil {
		return 0
	}
	return len(*routes)
}
