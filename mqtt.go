package main

import (
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/gsmgw/message"
)

// Sender queues an outbound message. *service.Service implements it.
type Sender interface {
	Send(m *message.Outbound) (message.Outbound, error)
}

// MQTTIngest subscribes to send requests published as JSON
// {to, message, priority, gateway}.
type MQTTIngest struct {
	Logger *slog.Logger
	Sender Sender
	Config MQTTConfig

	client mqtt.Client
}

// Connect connects to the broker. The subscription is renewed on every
// reconnect.
func (i *MQTTIngest) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(i.Config.Broker)
	opts.SetClientID(i.Config.ClientID)
	if i.Config.Username != "" {
		opts.SetUsername(i.Config.Username)
		opts.SetPassword(i.Config.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		i.Logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		i.Logger.Info("MQTT connected", "topic", i.Config.Topic)
		token := c.Subscribe(i.Config.Topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			i.handle(m.Payload())
		})
		if token.Wait() && token.Error() != nil {
			i.Logger.Error("MQTT subscribe failed", "topic", i.Config.Topic, "error", token.Error())
		}
	})

	i.client = mqtt.NewClient(opts)
	token := i.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects from the broker.
func (i *MQTTIngest) Close() {
	if i.client != nil {
		i.client.Disconnect(500)
	}
}

func (i *MQTTIngest) handle(payload []byte) {
	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		i.Logger.Warn("Invalid MQTT payload", "error", err)
		return
	}
	m, err := req.Outbound()
	if err != nil {
		i.Logger.Warn("Rejected MQTT send request", "error", err)
		return
	}
	queued, err := i.Sender.Send(m)
	if err != nil {
		i.Logger.Error("Failed to queue SMS", "error", err, "to", req.To)
		return
	}
	i.Logger.Info("SMS queued", "uuid", queued.UUID, "to", queued.Recipient, "gateway", queued.GatewayID)
}
