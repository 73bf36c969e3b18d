// Package mqtt connects the hearth runtime to a broker. The connection both
// publishes command payloads for scripts and feeds entity state from
// subscribed topics.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const publishTimeout = 10 * time.Second

// MessageHandler receives raw messages from a subscribed topic.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Connection wraps a paho client. Subscriptions are replayed after every
// reconnect so a broker restart does not silence state sources.
type Connection struct {
	client mqtt.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs []subscription
}

// Dial establishes the broker connection.
func Dial(settings ConnectionSettings, logger zerolog.Logger) (*Connection, error) {
	conn := &Connection{logger: logger.With().Str("component", "mqtt").Logger()}
	client, err := buildClient(settings, conn.logger, conn.onConnect)
	if err != nil {
		return nil, err
	}
	conn.client = client
	return conn, nil
}

func (c *Connection) onConnect(client mqtt.Client) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		c.resubscribe(client, sub)
	}
}

func (c *Connection) resubscribe(client mqtt.Client, sub subscription) {
	token := client.Subscribe(sub.topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Str("topic", sub.topic).Msg("subscribe failed")
	}
}

// Publish sends a payload and waits for the broker acknowledgement.
func (c *Connection) Publish(topic string, payload []byte, qos byte, retain bool) error {
	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. The subscription survives
// reconnects.
func (c *Connection) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return fmt.Errorf("mqtt: subscribe topic must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("mqtt: subscribe handler must not be nil")
	}
	sub := subscription{topic: topic, qos: qos, handler: handler}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.resubscribe(c.client, sub)
	return nil
}

// Close disconnects from the broker.
func (c *Connection) Close() {
	c.client.Disconnect(250)
}

// buildClient constructs a configured MQTT client and establishes the initial connection.
func buildClient(settings ConnectionSettings, logger zerolog.Logger, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	if settings.ClientID != "" {
		opts.SetClientID(settings.ClientID)
	}
	if settings.CleanSession != nil {
		opts.SetCleanSession(*settings.CleanSession)
	}
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	if settings.KeepAlive != nil {
		opts.SetKeepAlive(settings.KeepAlive.Duration)
	}
	if settings.ConnectTimeout != nil {
		opts.SetConnectTimeout(settings.ConnectTimeout.Duration)
	}
	if settings.AutoReconnect != nil {
		opts.AutoReconnect = *settings.AutoReconnect
	}

	if settings.TLS != nil && settings.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(*settings.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if onConnect != nil {
		opts.OnConnect = onConnect
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}

	return client, nil
}

func buildTLSConfig(settings TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}

	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
