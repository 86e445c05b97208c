// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every child, handles the refresh button, and
// forwards snapshots and failures from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/trymwestin/dailyconnect/internal/core/state"
	"github.com/trymwestin/dailyconnect/internal/entities"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	DeviceID        string
}

// Refresher triggers an immediate polling cycle.
type Refresher interface {
	Refresh(ctx context.Context) (*state.Snapshot, error)
}

// PhotoSource returns a child's latest photo.
type PhotoSource interface {
	Latest(ctx context.Context, childID string, child state.ChildSnapshot) (entities.Photo, bool, error)
}

var _ PhotoSource = (*entities.PhotoCache)(nil)

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, relays the
// refresh button to the coordinator, and forwards snapshots from the EventBus.
type HAPublisher struct {
	cfg     MQTTConfig
	topics  Topics
	refresh Refresher
	photos  PhotoSource
	store   state.SnapshotReader
	bus     *state.EventBus
	log     *slog.Logger
	now     func() time.Time

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[string]string // child id -> name with published discovery
	lastPhoto  map[string]string // child id -> photo id on the broker

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher. photos may be
// nil to skip the image entity.
func NewHAPublisher(cfg MQTTConfig, refresh Refresher, photos PhotoSource, store state.SnapshotReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:        cfg,
		topics:     NewTopics(cfg),
		refresh:    refresh,
		photos:     photos,
		store:      store,
		bus:        bus,
		log:        log,
		now:        time.Now,
		discovered: make(map[string]string),
		lastPhoto:  make(map[string]string),
		stopC:      make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery and state are published from the connect handler.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("dailyconnect-%s-%s", p.cfg.DeviceID, uuid.NewString()[:8])).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.topics.Availability(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.subscribeEvents()
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

func (p *HAPublisher) subscribeEvents() {
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topics.Availability(), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.topics.Availability(), "online", true)

	p.mu.Lock()
	p.discovered = make(map[string]string)
	p.lastPhoto = make(map[string]string)
	p.mu.Unlock()

	p.publishAccountDiscovery()
	p.subscribeCommands()

	// Re-publish discovery when Home Assistant restarts.
	p.client.Subscribe(p.topics.Discovery+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.discovered = make(map[string]string)
			p.mu.Unlock()
			p.publishAccountDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishAccountDiscovery() {
	for _, d := range AccountDiscovery(p.topics) {
		p.publishJSON(d.Topic, d.Payload, true)
	}
}

// syncChildDiscovery publishes discovery for new or renamed children and
// clears it for children that disappeared.
func (p *HAPublisher) syncChildDiscovery(snap *state.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, child := range snap.Children {
		if name, ok := p.discovered[id]; ok && name == child.Name {
			continue
		}
		for _, d := range ChildDiscovery(p.topics, id, child.Name, p.photos != nil) {
			p.publishJSON(d.Topic, d.Payload, true)
		}
		p.discovered[id] = child.Name
	}
	for id := range p.discovered {
		if _, ok := snap.Children[id]; ok {
			continue
		}
		p.log.Info("child no longer listed, removing entities", "child_id", id)
		for _, d := range ChildDiscovery(p.topics, id, "", true) {
			p.publish(d.Topic, "", true)
		}
		delete(p.discovered, id)
		delete(p.lastPhoto, id)
	}
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	t := p.topics.RefreshCommand()
	token := p.client.Subscribe(t, 1, p.handleRefreshCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

func (p *HAPublisher) handleRefreshCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	p.log.Info("MQTT command: refresh", "payload", strings.TrimSpace(string(msg.Payload())))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := p.refresh.Refresh(ctx); err != nil {
			p.log.Error("refresh from MQTT failed", "error", err)
		}
	}()
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes the stored snapshot and status.
func (p *HAPublisher) publishFullState() {
	if snap := p.store.Snapshot(); snap != nil {
		p.publishSnapshot(snap)
	}
	p.publishUpdateState(p.store.Status())
}

func (p *HAPublisher) publishSnapshot(snap *state.Snapshot) {
	p.syncChildDiscovery(snap)

	for _, id := range sortedIDs(snap) {
		child := snap.Children[id]
		p.publishJSON(p.topics.ChildState(id), entities.Values(child), true)
		for _, d := range entities.ChildSensors {
			if d.Attributes == nil {
				continue
			}
			attrs := d.Attributes(child)
			if attrs == nil {
				attrs = map[string]any{}
			}
			p.publishJSON(p.topics.ChildAttributes(id, d.Key), attrs, true)
		}
		for _, d := range entities.ChildBinarySensors {
			p.publish(p.topics.ChildBinary(id, d.Key), boolToOnOff(d.Value(child)), true)
		}
		p.publishPhoto(id, child)
	}

	stateVal, attrs := CalendarState(snap, p.now())
	p.publish(p.topics.CalendarState(), stateVal, true)
	p.publishJSON(p.topics.CalendarAttributes(), attrs, true)
}

func (p *HAPublisher) publishPhoto(id string, child state.ChildSnapshot) {
	if p.photos == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	photo, ok, err := p.photos.Latest(ctx, id, child)
	if err != nil || !ok {
		return
	}
	p.mu.Lock()
	same := p.lastPhoto[id] == photo.ID
	p.mu.Unlock()
	if same {
		return
	}
	p.publish(p.topics.ChildPhoto(id), photo.Data, true)
	p.publishJSON(p.topics.ChildPhotoAttributes(id), map[string]any{"photo_id": photo.ID}, true)

	p.mu.Lock()
	p.lastPhoto[id] = photo.ID
	p.mu.Unlock()
}

func (p *HAPublisher) publishUpdateState(st state.Status) {
	stateVal, attrs := UpdateState(st)
	p.publish(p.topics.UpdateState(), stateVal, true)
	p.publishJSON(p.topics.UpdateAttributes(), attrs, true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshotPublished:
		snap, ok := evt.Data.(*state.Snapshot)
		if !ok {
			p.log.Warn("unexpected data type for snapshot_published")
			return
		}
		p.publishSnapshot(snap)
		p.publishUpdateState(p.store.Status())

	case state.EventUpdateFailed, state.EventAuthFailed:
		st, ok := evt.Data.(state.Status)
		if !ok {
			p.log.Warn("unexpected data type for update failure", "type", evt.Type)
			return
		}
		p.publishUpdateState(st)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishJSON(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("failed to marshal payload", "topic", topic, "error", err)
		return
	}
	p.publish(topic, data, retained)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic string, payload any, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func sortedIDs(snap *state.Snapshot) []string {
	ids := make([]string, 0, len(snap.Children))
	for id := range snap.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
