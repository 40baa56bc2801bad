package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/phievse/phievse/internal/config"
)

// TopicRoot prefixes every topic the station owns.
const TopicRoot = "phievse"

// Client wraps the MQTT client with additional functionality
type Client struct {
	client   mqtt.Client
	deviceID string
	logger   *logrus.Logger
}

// NewClient creates a new MQTT client with support for both WebSocket and standard MQTT protocols
func NewClient(mqttURL, deviceID string, logger *logrus.Logger) (*Client, error) {
	opts, err := clientOptions(mqttURL, deviceID, logger)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)

	// Connect to broker
	token := client.Connect()
	if !token.WaitTimeout(config.MQTTTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker timed out after %s", config.MQTTTimeout)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"client_id": opts.ClientID,
	}).Info("MQTT client connected")

	return &Client{
		client:   client,
		deviceID: deviceID,
		logger:   logger,
	}, nil
}

func clientOptions(mqttURL, deviceID string, logger *logrus.Logger) (*mqtt.ClientOptions, error) {
	parsedURL, err := url.Parse(mqttURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	opts := mqtt.NewClientOptions()

	// Handle different protocol schemes
	var brokerURL string
	switch parsedURL.Scheme {
	case "ws":
		brokerURL = mqttURL
	case "wss":
		brokerURL = mqttURL
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	case "mqtt":
		// Standard MQTT - convert to tcp://
		brokerURL = strings.Replace(mqttURL, "mqtt://", "tcp://", 1)
	case "mqtts":
		// Secure MQTT - convert to ssl://
		brokerURL = strings.Replace(mqttURL, "mqtts://", "ssl://", 1)
		// Disable certificate verification to support self-signed certs
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	default:
		return nil, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", parsedURL.Scheme)
	}
	logger.WithField("protocol", parsedURL.Scheme).Debug("Using MQTT transport")

	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%s", TopicRoot, deviceID))
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	opts.SetConnectTimeout(config.MQTTTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	// Resubscribe to command topics after a reconnect.
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)

	// The broker marks the station offline if the process dies.
	opts.SetWill(AvailabilityTopic(deviceID), "offline", 1, true)

	// Set credentials if provided in URL
	if parsedURL.User != nil {
		username := parsedURL.User.Username()
		password, _ := parsedURL.User.Password()
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})

	firstConnect := true
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if firstConnect {
			logger.Debug("MQTT connected")
			firstConnect = false
			return
		}
		logger.Info("MQTT reconnected")
		// Availability is retained but the will may have replaced it.
		client.Publish(AvailabilityTopic(deviceID), 1, true, "online")
	})
	return opts, nil
}

// Publish publishes a message to the specified topic
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	qos := byte(1) // At least once delivery
	token := c.client.Publish(topic, qos, retained, payload)

	// Avoid potential deadlocks: wait for completion with a timeout instead of indefinitely.
	if !token.WaitTimeout(config.MQTTTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, config.MQTTTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")

	return nil
}

// Subscribe subscribes to a topic with a message handler
func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) error {
	qos := byte(1)
	token := c.client.Subscribe(topic, qos, handler)

	// Prevent indefinite blocking on slow or lost connections.
	if !token.WaitTimeout(config.MQTTTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, config.MQTTTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect disconnects the client
func (c *Client) Disconnect(quiesce uint) {
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// GetDeviceID returns the device ID
func (c *Client) GetDeviceID() string {
	return c.deviceID
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}

	return parsed.String()
}

// BaseTopic returns the base topic for a device
func BaseTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicRoot, deviceID)
}

// StateTopic returns the snapshot topic for a device
func StateTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/state"
}

// AvailabilityTopic returns the availability topic for a device
func AvailabilityTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/availability"
}

// DiscoveryTopic returns the Home Assistant discovery topic
func DiscoveryTopic(prefix, entityType, deviceID, entityID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", prefix, entityType, TopicRoot, deviceID, entityID)
}

// BuildCleanTopic ensures topic follows MQTT standards
func BuildCleanTopic(parts ...string) string {
	var cleanParts []string
	for _, part := range parts {
		// Replace invalid characters
		clean := strings.ReplaceAll(part, " ", "_")
		clean = strings.ReplaceAll(clean, "+", "plus")
		clean = strings.ReplaceAll(clean, "#", "hash")
		clean = strings.ToLower(clean)
		cleanParts = append(cleanParts, clean)
	}
	return strings.Join(cleanParts, "/")
}
