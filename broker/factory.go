package broker

import (
	"log/slog"
	"strings"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/natsclient"
	"github.com/European-XFEL/Karabo-sub011/pkg/security"
)

// Transport names accepted by New.
const (
	TransportNATS   = "nats"
	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

// Config selects and configures a transport.
type Config struct {
	Transport string
	URLs      []string
	Topic     string
	User      string
	Password  string
	Token     string
	ClientID  string
	TLSCert   string
	TLSKey    string
	TLSCA     string
	QoS       byte
	Timeout   time.Duration
}

func (cfg Config) clientTLS() security.ClientTLSConfig {
	var c security.ClientTLSConfig
	if cfg.TLSCA != "" {
		c.CAFiles = []string{cfg.TLSCA}
	}
	if cfg.TLSCert != "" {
		c.MTLS = security.ClientMTLSConfig{Enabled: true, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey}
	}
	return c
}

// New builds the transport named by cfg.Transport. The memory transport
// needs a hub; pass nil for the others.
func New(cfg Config, hub *Hub, registry *metric.MetricsRegistry, logger *slog.Logger) (Broker, error) {
	if cfg.Topic == "" {
		return nil, kerrors.New(kerrors.KindValidation, "broker topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport {
	case TransportMemory:
		if hub == nil {
			return nil, kerrors.New(kerrors.KindValidation, "memory transport needs a hub")
		}
		return hub.Broker(cfg.Topic), nil
	case TransportMQTT:
		if len(cfg.URLs) == 0 {
			return nil, kerrors.New(kerrors.KindValidation, "mqtt transport needs a broker url")
		}
		m, err := NewMQTT(MQTTConfig{
			BrokerURL: cfg.URLs[0],
			ClientID:  cfg.ClientID,
			Username:  cfg.User,
			Password:  cfg.Password,
			QoS:       cfg.QoS,
			TLS:       cfg.clientTLS(),
			Timeout:   cfg.Timeout,
		}, cfg.Topic, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	case TransportNATS, "":
		if len(cfg.URLs) == 0 {
			return nil, kerrors.New(kerrors.KindValidation, "nats transport needs a server url")
		}
		opts := []natsclient.ClientOption{
			natsclient.WithMetrics(registry),
			natsclient.WithName(cfg.ClientID),
		}
		if cfg.User != "" {
			opts = append(opts, natsclient.WithCredentials(cfg.User, cfg.Password))
		}
		if cfg.Token != "" {
			opts = append(opts, natsclient.WithToken(cfg.Token))
		}
		if cfg.TLSCert != "" || cfg.TLSCA != "" {
			opts = append(opts, natsclient.WithTLS(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, natsclient.WithTimeout(cfg.Timeout))
		}
		n, err := NewNATSClient(strings.Join(cfg.URLs, ","), cfg.Topic, opts, WithNATSLogger(logger))
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, kerrors.Newf(kerrors.KindValidation, "unknown broker transport %q", cfg.Transport)
	}
}
