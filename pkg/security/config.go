// Package security holds the TLS settings shared by the outbound clients
// (InfluxDB writer, MQTT broker sessions).
package security

// ClientMTLSConfig provides a client certificate.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// ClientTLSConfig holds TLS settings for clients. The system CA bundle is
// always trusted; CAFiles are added to it.
type ClientTLSConfig struct {
	CAFiles            []string `json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // test setups only
	MinVersion         string   `json:"min_version,omitempty"`          // "1.2" or "1.3"

	MTLS ClientMTLSConfig `json:"mtls,omitempty"`
}
