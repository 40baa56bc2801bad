package transmission

import (
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/phievse/phievse/internal/domain"
)

// Transmitter defines the interface for transmitting station snapshots
type Transmitter interface {
	Transmit(snap *domain.Snapshot) error
	IsConnected() bool
}

// Publisher is the part of the MQTT client the transmitters use.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler paho.MessageHandler) error
	IsConnected() bool
}
