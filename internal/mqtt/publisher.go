package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/scagent/internal/buildinfo"
	"github.com/nugget/scagent/internal/config"
)

// StatsSource provides the values behind the status sensors. The
// assistant runtime satisfies it.
type StatsSource interface {
	Ready() bool
	InitError() error
	Model() string
	ConversationID() string
	ToolCount() int
	LastRequestTime() time.Time
}

// Agent status values published on the status sensor.
const (
	StatusReady        = "ready"
	StatusInitializing = "initializing"
	StatusFailed       = "failed"
)

// Publisher manages the broker connection, publishes discovery and
// availability on every (re-)connect, pushes sensor states
// periodically and serves the command topic.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	commands   Commands
	limiter    *commandLimiter
	logger     *slog.Logger
	started    time.Time

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and run the publish loop.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		limiter:    newCommandLimiter(10, time.Minute, logger),
		logger:     logger,
		started:    time.Now(),
	}
}

// SetCommands enables the command topic. It must be called before
// Start.
func (p *Publisher) SetCommands(c Commands) {
	p.commands = c
}

// Start connects to the broker and runs the periodic publish loop. It
// blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topics ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) sensorDef {
	return sensorDef{
		entity: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	status := p.sensor("agent_status", "Agent Status", "mdi:robot")

	model := p.sensor("model", "Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"

	tools := p.sensor("tools", "Tools", "mdi:tools")
	tools.config.StateClass = "measurement"

	conv := p.sensor("conversation", "Conversation", "mdi:chat-processing")
	conv.config.EntityCategory = "diagnostic"

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.config.StateClass = "total_increasing"
	tokens.config.UnitOfMeasurement = "tokens"

	last := p.sensor("last_request", "Last Request", "mdi:clock-check")
	last.config.EntityCategory = "diagnostic"

	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	return []sensorDef{status, model, tools, conv, tokens, last, uptime, version}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Commands ---

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.commands == nil {
		return
	}
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt command topic subscribed", "topic", topic)
}

// onMessage dispatches an inbound message. Commands run in their own
// goroutine so a slow reinitialization does not stall the client.
func (p *Publisher) onMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() || p.commands == nil {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}
	go func() {
		if err := runCommand(ctx, p.commands, payload, p.logger); err != nil {
			p.logger.Warn("mqtt command failed", "payload", string(payload), "error", err)
			return
		}
		p.publishStates(ctx)
	}()
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states returns the current value of every sensor.
func (p *Publisher) states() map[string]string {
	status := StatusInitializing
	switch {
	case p.stats.Ready():
		status = StatusReady
	case p.stats.InitError() != nil:
		status = StatusFailed
	}

	conv := p.stats.ConversationID()
	if conv == "" {
		conv = "none"
	}

	states := map[string]string{
		"agent_status": status,
		"model":        p.stats.Model(),
		"tools":        strconv.Itoa(p.stats.ToolCount()),
		"conversation": conv,
		"uptime":       time.Since(p.started).Truncate(time.Second).String(),
		"version":      buildinfo.Version,
		"last_request": "never",
	}

	input, output, _ := p.tokens.Snapshot()
	states["tokens_today"] = strconv.FormatInt(input+output, 10)

	if last := p.stats.LastRequestTime(); !last.IsZero() {
		states["last_request"] = last.Format(time.RFC3339)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
