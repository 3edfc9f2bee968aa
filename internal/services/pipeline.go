package services

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homesense-bridge/internal/aggregator"
	"homesense-bridge/internal/health"
	"homesense-bridge/internal/metrics"
	"homesense-bridge/internal/models"
	"homesense-bridge/internal/reconcile"
	"homesense-bridge/internal/taxonomy"
)

// stateful event types whose start time is tracked, keyed by the event
// that ends them
var trackedStates = map[string]string{
	taxonomy.EventDoorOpened:     taxonomy.EventDoorClosed,
	taxonomy.EventMotionDetected: taxonomy.EventMotionCleared,
}

type sinceKey struct {
	deviceID  string
	eventType string
}

// PipelineConfig holds the pipeline's tunables
type PipelineConfig struct {
	BufferSize int
	Detector   aggregator.DetectorConfig
	Thresholds taxonomy.Thresholds
}

// DefaultPipelineConfig returns a 500-event buffer and default rules
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize: 500,
		Detector:   aggregator.DefaultDetectorConfig(),
		Thresholds: taxonomy.DefaultThresholds(),
	}
}

// Pipeline turns inbound messages into domain events. It is the only owner
// of the change detector, health tracker, event buffer and since-state;
// readers get copies.
type Pipeline struct {
	router   *taxonomy.Router
	detector *aggregator.ChangeDetector
	tracker  *health.Tracker
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	devices map[string]models.Device // by ID
	byName  map[string]string        // friendly name -> ID
	recent  map[string]map[string]taxonomy.Observation
	since   map[sinceKey]*models.Since
	events  *aggregator.Ring[models.DomainEvent]
	outputs []chan<- models.DomainEvent
	onSync  []func([]models.Device)
	// onApproximate runs after a fallback since-timestamp is stored
	onApproximate []func()
}

// NewPipeline wires the taxonomy, detector and tracker together
func NewPipeline(config PipelineConfig, logger zerolog.Logger) *Pipeline {
	router := taxonomy.NewRouter(config.Thresholds)
	if config.Detector.MinChange == nil {
		config.Detector.MinChange = router.Thresholds().MinChange
	}

	return &Pipeline{
		router:   router,
		detector: aggregator.NewChangeDetector(config.Detector),
		tracker:  health.NewTracker(),
		logger:   logger,
		now:      time.Now,
		devices:  make(map[string]models.Device),
		byName:   make(map[string]string),
		recent:   make(map[string]map[string]taxonomy.Observation),
		since:    make(map[sinceKey]*models.Since),
		events:   aggregator.NewRing[models.DomainEvent](config.BufferSize),
	}
}

// SetClock replaces the wall clock, for tests
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// AddOutput registers a channel that receives every emitted event. Sends
// never block telemetry processing; a full channel drops the event.
func (p *Pipeline) AddOutput(ch chan<- models.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs = append(p.outputs, ch)
}

// OnSync registers fn to receive the device list after every discovery.
// It runs on the telemetry goroutine and must not block.
func (p *Pipeline) OnSync(fn func([]models.Device)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = append(p.onSync, fn)
}

// OnApproximate registers fn to run after a message stores an approximate
// since-timestamp. It runs on the telemetry goroutine, outside the
// pipeline lock, and must not block.
func (p *Pipeline) OnApproximate(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onApproximate = append(p.onApproximate, fn)
}

// Tracker exposes the health tracker for the scheduler
func (p *Pipeline) Tracker() *health.Tracker {
	return p.tracker
}

// Run processes messages in arrival order until ctx is cancelled or in
// is closed
func (p *Pipeline) Run(ctx context.Context, in <-chan models.Message) {
	p.logger.Info().Msg("Pipeline: Starting...")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Pipeline: Shutting down...")
			return
		case msg, ok := <-in:
			if !ok {
				p.logger.Info().Msg("Pipeline: Input channel closed, shutting down...")
				return
			}
			p.Handle(msg)
		}
	}
}

// Handle processes one message and returns the events it produced
func (p *Pipeline) Handle(msg models.Message) []models.DomainEvent {
	switch msg.Kind {
	case models.MessageDiscovery:
		p.SyncDevices(msg.Devices)
		p.mu.RLock()
		hooks := p.onSync
		p.mu.RUnlock()
		for _, fn := range hooks {
			fn(msg.Devices)
		}
		return nil
	case models.MessageAvailability:
		return p.ingest(msg, false)
	default:
		return p.ingest(msg, true)
	}
}

// SyncDevices replaces the device list. Devices missing from the new list
// lose all their per-device state.
func (p *Pipeline) SyncDevices(devices []models.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]models.Device, len(devices))
	byName := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		next[d.ID] = d
		byName[d.Name] = d.ID
	}

	removed := 0
	for id, old := range p.devices {
		if _, ok := next[id]; ok {
			continue
		}
		if old.Provisional {
			// keep provisional devices until discovery names them
			if _, named := byName[old.Name]; !named {
				next[id] = old
				byName[old.Name] = id
				continue
			}
		}
		p.forgetLocked(id)
		removed++
	}

	for _, d := range next {
		p.tracker.Discover(d)
	}

	p.devices = next
	p.byName = byName

	p.logger.Info().
		Int("devices", len(next)).
		Int("removed", removed).
		Msg("Device list synchronized")
}

func (p *Pipeline) forgetLocked(deviceID string) {
	p.tracker.Remove(deviceID)
	p.detector.Forget(deviceID)
	delete(p.recent, deviceID)
	for key := range p.since {
		if key.deviceID == deviceID {
			delete(p.since, key)
		}
	}
}

func (p *Pipeline) lookupLocked(name string) (models.Device, bool) {
	if id, ok := p.byName[name]; ok {
		if d, ok := p.devices[id]; ok {
			return d, true
		}
	}
	d, ok := p.devices[name]
	return d, ok
}

// resolveLocked finds the device for a friendly name, registering a
// provisional device typed from the payload keys when discovery has not
// announced it yet
func (p *Pipeline) resolveLocked(name string, payload models.Payload) models.Device {
	if d, ok := p.lookupLocked(name); ok {
		return d
	}

	d := models.NewDevice(name, name, payload.Keys(), false)
	d.Provisional = true
	p.devices[d.ID] = d
	p.byName[d.Name] = d.ID
	p.logger.Debug().
		Str("device", name).
		Str("type", string(d.Type)).
		Msg("Telemetry from undiscovered device, registered provisionally")
	return d
}

func (p *Pipeline) ingest(msg models.Message, countsAsSeen bool) []models.DomainEvent {
	if msg.DeviceName == "" {
		return nil
	}
	if len(msg.Payload) == 0 && !countsAsSeen {
		return nil
	}

	now := msg.ReceivedAt
	if now.IsZero() {
		now = p.now()
	}

	p.mu.Lock()
	emitted, approximate := p.ingestLocked(msg, countsAsSeen, now)
	hooks := p.onApproximate
	p.mu.Unlock()

	if approximate {
		for _, fn := range hooks {
			fn()
		}
	}
	return emitted
}

// ingestLocked records the message and derives its events. approximate
// reports whether a fallback since-timestamp was stored.
func (p *Pipeline) ingestLocked(msg models.Message, countsAsSeen bool, now time.Time) ([]models.DomainEvent, bool) {
	at := now
	if msg.Declared != nil && !msg.Declared.IsZero() {
		at = *msg.Declared
	}

	if len(msg.Payload) == 0 {
		// a heartbeat with nothing but nested or empty fields still proves
		// the device is alive; an unknown name has no type to register
		if device, ok := p.lookupLocked(msg.DeviceName); ok {
			p.tracker.Update(device, msg.Payload, msg.Declared, now)
		}
		return nil, false
	}

	device := p.resolveLocked(msg.DeviceName, msg.Payload)
	if countsAsSeen {
		p.tracker.Update(device, msg.Payload, msg.Declared, now)
	}

	recent := p.recent[device.ID]
	if recent == nil {
		recent = make(map[string]taxonomy.Observation)
		p.recent[device.ID] = recent
	}
	// every property of this message is judged against the observations
	// that preceded it, not against siblings already processed
	previous := maps.Clone(recent)

	properties := make([]string, 0, len(msg.Payload))
	for prop := range msg.Payload {
		properties = append(properties, prop)
	}
	sort.Strings(properties)

	var emitted []models.DomainEvent
	approximate := false
	for _, prop := range properties {
		value := msg.Payload[prop]
		if !p.router.Knows(prop) {
			continue
		}

		sample := taxonomy.Sample{
			DeviceType: device.Type,
			DeviceName: device.Name,
			Property:   prop,
			Value:      value,
			Payload:    msg.Payload,
			At:         at,
			Recent:     previous,
		}
		_, hadPrevious := previous[prop]

		key := aggregator.DebounceKey{DeviceID: device.ID, Property: prop}
		if !p.detector.Accept(key, device.Type, value, now) {
			metrics.ObserveSuppressed(device.Type)
			continue
		}

		classification, ok := p.router.Classify(sample)
		recent[prop] = taxonomy.Observation{Value: value, At: at}
		if !ok {
			continue
		}

		event := models.DomainEvent{
			ID:         models.NewEventID(),
			Timestamp:  at,
			DeviceID:   device.ID,
			DeviceName: device.Name,
			DeviceType: device.Type,
			Room:       device.Room,
			EventType:  classification.EventType,
			Severity:   classification.Severity,
			Category:   classification.Category,
			IsAnomaly:  classification.IsAnomaly,
			Initial:    !hadPrevious,
			Property:   prop,
			Values:     snapshotValues(msg.Payload),
		}

		if p.trackSinceLocked(device, event, now) {
			approximate = true
		}
		p.events.Push(event)
		p.publishLocked(event)
		metrics.ObserveEvent(event)
		emitted = append(emitted, event)
	}

	return emitted, approximate
}

// trackSinceLocked maintains when a door opened or motion began. A first
// observation that already shows the active state only proves it began
// at some earlier time, so "now" is stored as an approximate fallback and
// true is returned.
func (p *Pipeline) trackSinceLocked(device models.Device, event models.DomainEvent, now time.Time) bool {
	if _, ok := trackedStates[event.EventType]; ok {
		key := sinceKey{deviceID: device.ID, eventType: event.EventType}
		if event.Initial {
			p.since[key] = models.NewSince(now, true)
			return true
		}
		p.since[key] = models.NewSince(event.Timestamp, false)
		return false
	}
	for started, ended := range trackedStates {
		if ended == event.EventType {
			delete(p.since, sinceKey{deviceID: device.ID, eventType: started})
		}
	}
	return false
}

func (p *Pipeline) publishLocked(event models.DomainEvent) {
	for _, ch := range p.outputs {
		select {
		case ch <- event:
		default:
			p.logger.Warn().
				Str("device", event.DeviceName).
				Str("event_type", event.EventType).
				Msg("Event output channel full, dropping event")
		}
	}
}

func snapshotValues(payload models.Payload) map[string]models.Value {
	out := make(map[string]models.Value, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// RecentEvents returns up to limit events, newest first
func (p *Pipeline) RecentEvents(limit int) []models.DomainEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.events.Newest(limit)
}

// LoadHistory merges events from the store with live events already in
// the buffer and reloads the buffer oldest to newest
func (p *Pipeline) LoadHistory(history []models.DomainEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID := make(map[string]models.DomainEvent, len(history)+p.events.Len())
	for _, e := range history {
		byID[e.ID] = e
	}
	for e := range p.events.All() {
		byID[e.ID] = e
	}

	merged := make([]models.DomainEvent, 0, len(byID))
	for _, e := range byID {
		merged = append(merged, e)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if over := len(merged) - p.events.Cap(); over > 0 {
		merged = merged[over:]
	}

	p.events.Replace(merged)
	return len(merged)
}

// Devices returns the known devices ordered by name
func (p *Pipeline) Devices() []models.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Since returns the tracked start time of an active state
func (p *Pipeline) Since(deviceID, eventType string) (time.Time, bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.since[sinceKey{deviceID: deviceID, eventType: eventType}]
	if !ok {
		return time.Time{}, false, false
	}
	return s.Time(), s.Approximate(), true
}

// PendingReconciliation lists the since-timestamps that are still
// approximate
func (p *Pipeline) PendingReconciliation() []reconcile.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var targets []reconcile.Target
	for key, s := range p.since {
		if !s.Approximate() {
			continue
		}
		d := p.devices[key.deviceID]
		targets = append(targets, reconcile.Target{
			DeviceID:   key.deviceID,
			DeviceName: d.Name,
			EventType:  key.eventType,
			Since:      s,
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].DeviceName == targets[j].DeviceName {
			return targets[i].EventType < targets[j].EventType
		}
		return targets[i].DeviceName < targets[j].DeviceName
	})
	return targets
}
