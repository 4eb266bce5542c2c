// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/manifest"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesce        = 250 // milliseconds
)

var errMQTTTimeout = errors.New("mqtt operation timed out")

// MQTTSource subscribes to a topic filter with manual acknowledgement. A
// message is acked only once the consumer settled it.
type MQTTSource struct {
	triggerID string
	cfg       manifest.MQTTConfig
	broker    config.MQTTConfig

	client    mqtt.Client
	msgs      chan mqtt.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewMQTTSource returns a source for cfg. broker supplies the fallback
// address and credentials.
func NewMQTTSource(triggerID string, cfg manifest.MQTTConfig, broker config.MQTTConfig) *MQTTSource {
	if cfg.Address == "" {
		cfg.Address = broker.Address
	}
	return &MQTTSource{
		triggerID: triggerID,
		cfg:       cfg,
		broker:    broker,
		msgs:      make(chan mqtt.Message),
		done:      make(chan struct{}),
	}
}

func (s *MQTTSource) clientID() string {
	prefix := s.broker.ClientID
	if prefix == "" {
		prefix = "wasmshim"
	}
	return prefix + "-" + s.triggerID
}

// Open connects and subscribes.
func (s *MQTTSource) Open(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Address).
		SetClientID(s.clientID()).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetOrderMatters(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true)
	if s.broker.Username != "" {
		opts.SetUsername(s.broker.Username).SetPassword(s.broker.Password)
	}

	s.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Address, err)
	}
	if err := waitToken(ctx, s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)); err != nil {
		return fmt.Errorf("subscribe %q: %w", s.cfg.Topic, err)
	}
	return nil
}

func (s *MQTTSource) onMessage(_ mqtt.Client, m mqtt.Message) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

// Receive returns the next message.
func (s *MQTTSource) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSourceClosed
	case m := <-s.msgs:
		attempt := 1
		if m.Duplicate() {
			attempt = 2
		}
		d := &Delivery{
			ID:      s.triggerID + "-" + strconv.Itoa(int(m.MessageID())),
			Payload: m.Payload(),
			Env:     map[string]string{"WASMSHIM_MQTT_TOPIC": m.Topic()},
			Attempt: attempt,
			Ack: func(context.Context) error {
				m.Ack()
				return nil
			},
		}
		if s.cfg.DeadLetterTopic != "" {
			d.DeadLetter = func(ctx context.Context, _ error) error {
				return waitToken(ctx, s.client.Publish(s.cfg.DeadLetterTopic, s.cfg.QoS, false, m.Payload()))
			}
		}
		return d, nil
	}
}

// BrokerRedelivery is false: paho cannot nack, so the consumer retries in process.
func (*MQTTSource) BrokerRedelivery() bool { return false }

// Close unsubscribes and disconnects.
func (s *MQTTSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client == nil || !s.client.IsConnected() {
			return
		}
		tok := s.client.Unsubscribe(s.cfg.Topic)
		if !tok.WaitTimeout(mqttConnectTimeout) {
			err = errMQTTTimeout
		} else {
			err = tok.Error()
		}
		s.client.Disconnect(mqttQuiesce)
	})
	return err
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		return tok.Error()
	}
}
