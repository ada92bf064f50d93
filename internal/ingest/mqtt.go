package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crowdease/internal/config"
	"crowdease/internal/model"
)

// StartMQTT subscribes to the configured topic and forwards every payload
// as a submission. The client disconnects when ctx is done.
func StartMQTT(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- Envelope, logger *slog.Logger) error {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil
	}
	ch := model.Channel{Name: "mqtt", Trusted: true, Reduced: current.Reduced}
	handler := newMQTTHandler(ctx, parser, ch, out, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(current.Broker).
		SetClientID(current.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(current.Topic, current.QoS, handler)
		if token.Wait() && token.Error() != nil && logger != nil {
			logger.Error("mqtt subscribe failed", "topic", current.Topic, "err", token.Error())
			return
		}
		if logger != nil {
			logger.Info("mqtt subscribed", "broker", current.Broker, "topic", current.Topic, "qos", current.QoS)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		if logger != nil {
			logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", current.Broker)
		}
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", current.Broker, err)
	}
	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return nil
}

func newMQTTHandler(ctx context.Context, parser *Parser, ch model.Channel, out chan<- Envelope, logger *slog.Logger) mqtt.MessageHandler {
	// paho calls handlers from its own goroutines; the CSV header state in
	// Parser is not safe for that.
	var mu sync.Mutex
	return func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		sub, err := parser.ParseLine(string(msg.Payload()))
		mu.Unlock()
		if err != nil {
			if logger != nil {
				logger.Warn("mqtt payload unparseable", "topic", msg.Topic(), "err", err)
			}
			return
		}
		if sub == nil {
			return
		}
		SendNonBlocking(ctx, out, Envelope{Submission: *sub, Channel: ch}, logger)
	}
}
