// Package config loads the process configuration of the Karabo binaries.
//
// A Config is assembled in layers, later ones winning:
//
//  1. Default values
//  2. Files added with Loader.AddLayer, decoded by extension (.json, .yaml,
//     .yml, .toml)
//  3. The dotenv file $KARABO/var/environment.env, or the one given to
//     Loader.SetEnvFile
//  4. KARABO_* variables of the process environment
//
// Durations may be written as strings ("20s", "14d") in every file format.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/karabo/base.yaml")
//	loader.AddLayer("/etc/karabo/site.toml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Environment variables follow the names the Karabo tools have always used:
// KARABO for the installation root, KARABO_BROKER for a comma separated
// list of broker URLs, KARABO_BROKER_TOPIC, and the KARABO_INFLUXDB_*
// family for the ingester.
//
// SafeConfig guards a Config shared between goroutines; Get returns deep
// copies and Update validates before replacing.
package config
