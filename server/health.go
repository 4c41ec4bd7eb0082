package server

import (
	"fmt"
	"strings"

	"github.com/European-XFEL/Karabo-sub011/health"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

// Health reports the server and one sub-status per hosted device. A
// killed server is unhealthy; plugin errors, a failed device start or a
// device in ERROR make it degraded.
func (s *Server) Health() health.Status {
	name := "server/" + s.id
	if s.killed.Load() {
		return health.NewUnhealthy(name, "server is shut down")
	}

	var subs []health.Status
	for _, id := range s.Devices() {
		d, ok := s.Device(id)
		if !ok {
			continue
		}
		st := d.State()
		if st == schema.Error {
			status, _ := d.Get("status")
			subs = append(subs, health.NewDegraded(id, fmt.Sprintf("state %s: %v", st, status)))
			continue
		}
		subs = append(subs, health.NewHealthy(id, "state "+string(st)))
	}

	status := s.Status()
	if errs, _ := status.Value("pluginErrors").([]string); len(errs) > 0 {
		subs = append(subs, health.NewDegraded("plugins", strings.Join(errs, "; ")))
	}
	if msg, _ := status.GetString("startingError"); msg != "" {
		subs = append(subs, health.NewDegraded("start", msg))
	}

	agg := health.Aggregate(name, subs)
	if agg.IsHealthy() {
		agg.Message = fmt.Sprintf("%d devices running", len(subs))
	}
	return agg
}
