package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/turnloop/internal/config"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/state"
)

// queueSize bounds events waiting for the broker.
const queueSize = 256

// CancelFunc cancels a run by ID. It reports whether the run was live.
type CancelFunc func(runID, reason string) bool

// Publisher is an [events.Sink] that forwards run events to an MQTT
// broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	tokens   *DailyTokens
	logger   *slog.Logger
	queue    chan events.Event
	limiter  *rateLimiter
	cancel   CancelFunc
	dropped  atomic.Int64
	cm       atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding. A nil tokens accumulator disables
// the daily totals topic.
func New(cfg config.MQTTConfig, clientID string, tokens *DailyTokens, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	limit := int64(cfg.MaxEventsPerSec)
	if limit <= 0 {
		limit = 50
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		tokens:   tokens,
		logger:   logger,
		queue:    make(chan events.Event, queueSize),
		limiter:  newRateLimiter(limit, time.Second, logger),
	}
}

// OnCancel registers the handler for cancel commands. It must be
// called before Start and only takes effect when cfg.Control is set.
func (p *Publisher) OnCancel(fn CancelFunc) {
	p.cancel = fn
}

// Publish implements [events.Sink]. It never blocks: events beyond the
// rate limit or queue capacity are dropped.
func (p *Publisher) Publish(e events.Event) {
	if !p.limiter.allow() {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue
// was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Start connects to the broker and forwards queued events until ctx is
// cancelled. On every (re-)connect it publishes a birth message and
// re-subscribes to the control topic.
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
			p.publishAvailability(ctx, cm, "online")
			p.subscribeControl(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.handleControl(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.forward(ctx, cm)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// forward drains the queue until ctx is cancelled.
func (p *Publisher) forward(ctx context.Context, cm *autopaho.ConnectionManager) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.queue:
			for _, pub := range p.messages(e) {
				if _, err := cm.Publish(ctx, pub); err != nil {
					p.logger.Debug("mqtt event publish failed", "topic", pub.Topic, "error", err)
				}
			}
		}
	}
}

// messages maps one event to the MQTT messages it produces.
func (p *Publisher) messages(e events.Event) []*paho.Publish {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return nil
	}
	out := []*paho.Publish{{Topic: EventTopic(p.cfg.TopicPrefix, e), Payload: payload}}

	switch e.Kind {
	case events.KindRunComplete:
		status, _ := e.Data["status"].(string)
		out = append(out, &paho.Publish{
			Topic:   p.runTopic(e.RunID, "status"),
			Payload: []byte(status),
			QoS:     1,
			Retain:  true,
		})
		if p.tokens != nil {
			p.tokens.AddRun()
			out = append(out, p.totalsMessage())
		}
	case events.KindLLMResponse:
		if p.tokens != nil {
			p.tokens.AddUsage(intField(e.Data, "prompt_tokens"), intField(e.Data, "completion_tokens"))
			out = append(out, p.totalsMessage())
		}
	}
	return out
}

func (p *Publisher) totalsMessage() *paho.Publish {
	payload, _ := json.Marshal(p.tokens.Snapshot())
	return &paho.Publish{
		Topic:   p.cfg.TopicPrefix + "/stats/tokens_today",
		Payload: payload,
		Retain:  true,
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

func (p *Publisher) subscribeControl(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.cfg.Control || p.cancel == nil {
		return
	}
	filter := p.cfg.TopicPrefix + "/runs/+/cancel"
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt control subscribe failed", "topic", filter, "error", err)
		return
	}
	p.logger.Info("mqtt control subscribed", "topic", filter)
}

// handleControl processes a cancel command. The payload, when present,
// is the cancellation reason.
func (p *Publisher) handleControl(topic string, payload []byte) bool {
	runID, ok := parseCancelTopic(p.cfg.TopicPrefix, topic)
	if !ok || p.cancel == nil {
		return false
	}
	reason := strings.TrimSpace(string(payload))
	if reason == "" {
		reason = state.ReasonCancelled
	}
	live := p.cancel(runID, reason)
	p.logger.Info("mqtt cancel command", "run", runID, "reason", reason, "live", live)
	return true
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/" + p.clientID + "/availability"
}

func (p *Publisher) runTopic(runID, leaf string) string {
	if runID == "" {
		runID = "_"
	}
	return p.cfg.TopicPrefix + "/runs/" + runID + "/" + leaf
}

// EventTopic returns the topic an event is published to. Events
// without a run ID go under "_".
func EventTopic(prefix string, e events.Event) string {
	run := e.RunID
	if run == "" {
		run = "_"
	}
	return prefix + "/runs/" + run + "/" + e.Kind
}

func parseCancelTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/runs/")
	if !ok {
		return "", false
	}
	runID, ok := strings.CutSuffix(rest, "/cancel")
	if !ok || runID == "" || strings.Contains(runID, "/") {
		return "", false
	}
	return runID, true
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
