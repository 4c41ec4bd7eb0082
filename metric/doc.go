// Package metric provides the Prometheus registry shared by a Karabo process,
// the core metrics every participant records, and an HTTP server exposing
// them.
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(9090, "/metrics", registry)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
//
// Components register their own collectors under an owner name, one at a
// time with Register or all-or-nothing with RegisterAll, and drop them with
// UnregisterAll; a duplicate (owner, name) pair is an invalid error. The core
// Metrics methods are nil-safe so components can run without a registry.
package metric
