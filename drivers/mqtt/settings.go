package mqtt

import (
	"github.com/hearth-home/hearth/config"
)

// ConnectionSettings describes how to reach the broker.
type ConnectionSettings struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	CleanSession   *bool
	AutoReconnect  *bool
	KeepAlive      *config.Duration
	ConnectTimeout *config.Duration
	TLS            *TLSSettings
}

// TLSSettings enables TLS on the broker connection.
type TLSSettings struct {
	Enabled            bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
}

// SettingsFromConfig lowers the configuration block onto connection settings.
func SettingsFromConfig(cfg config.MQTTConfig) ConnectionSettings {
	settings := ConnectionSettings{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		CleanSession:   cfg.CleanSession,
		AutoReconnect:  cfg.AutoReconnect,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	if cfg.TLS != nil {
		settings.TLS = &TLSSettings{
			Enabled:            cfg.TLS.Enabled,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
		}
	}
	return settings
}
