// Package status samples operational facts about the agent and its device on
// a schedule and writes them as typed records to the upload queue.
//
// Connectivity, upload progress and backlog sizes are not read from other
// processes directly. They arrive as events on the bus and are kept as local
// replicas owned by the Aggregator.
package status

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/changecache"
	"github.com/radarbase/statusagent/internal/devinfo"
	"github.com/radarbase/statusagent/internal/eventbus"
	"github.com/radarbase/statusagent/internal/metrics"
	"github.com/radarbase/statusagent/internal/scheduler"
	"github.com/radarbase/statusagent/internal/source"
	"github.com/radarbase/statusagent/internal/timesync"
	"github.com/radarbase/statusagent/internal/topic"
	"github.com/radarbase/statusagent/pkg/records"
	"github.com/rs/zerolog/log"
)

// Request identities of the two schedules.
var (
	MainRequest     = scheduler.RequestID{Code: 501, Name: "application_status"}
	TimeZoneRequest = scheduler.RequestID{Code: 502, Name: "application_time_zone"}
)

// Property namespaces used for restart continuity.
const (
	nsSource     = "status_source"
	nsDeviceInfo = "status_device_info"
	nsTimeZone   = "status_time_zone"
	keySourceID  = "source_id"
	keyTZOffset  = "offset"
)

// ErrClosed is returned by Start on a closed aggregator.
var ErrClosed = errors.New("status: aggregator closed")

// Queue is the durable record sink.
type Queue interface {
	Put(ctx context.Context, t *topic.Topic, rec records.Record) error
}

// TopicResolver maps stream names to topics.
type TopicResolver interface {
	Resolve(name string) (*topic.Topic, error)
}

// PropertyStore persists small facts across restarts.
type PropertyStore interface {
	Load(ns, key string) (string, bool, error)
	Store(ns, key, value string) error
	StoreAll(ns string, values map[string]string) error
	LoadOrStore(ns string, defaults map[string]string) (map[string]string, error)
	LoadOrStoreUUID(ns, key string) string
}

// Registrar announces the aggregator as a data source.
type Registrar interface {
	RegisterSource(ctx context.Context, m source.Metadata) error
}

// AddressResolver returns the device's best-guess IP address.
type AddressResolver interface {
	Address(ctx context.Context) (string, error)
}

// Deps are the collaborators of an Aggregator. Queue, Topics, Bus and
// Identity are required.
type Deps struct {
	Queue     Queue
	Topics    TopicResolver
	Bus       eventbus.Bus
	Identity  devinfo.Source
	Store     PropertyStore
	Registrar Registrar
	TimeSync  timesync.Querier
	Addresses AddressResolver
	Host      scheduler.TimerHost
	Clock     func() time.Time
}

// Aggregator owns the status schedules and the event replicas they sample.
type Aggregator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	created time.Time

	serverStatusTopic *topic.Topic
	uptimeTopic       *topic.Topic
	countsTopic       *topic.Topic
	externalTimeTopic *topic.Topic
	deviceInfoTopic   *topic.Topic
	timeZoneTopic     *topic.Topic

	main *scheduler.Scheduler

	lifeMu      sync.Mutex
	starting    bool
	started     bool
	closed      bool
	tz          *scheduler.Scheduler
	tzInterval  time.Duration
	unsubscribe []func()
	sourceID    string

	connMu     sync.Mutex
	connection records.ConnectionStatus

	countMu sync.Mutex
	sent    int64
	backlog map[string]int64

	syncMu     sync.Mutex
	syncServer string

	timeoutMu   sync.Mutex
	syncTimeout time.Duration

	ipMu   sync.Mutex
	sendIP bool

	versionMu  sync.Mutex
	appVersion string

	deviceCache changecache.Cache[devinfo.Identity]
	tzCache     changecache.Cache[int]
}

// New resolves all status topics and builds the schedules. A topic that cannot
// be resolved is returned as an error, since no record could ever be written.
func New(cfg Config, deps Deps) (*Aggregator, error) {
	if deps.Queue == nil || deps.Topics == nil || deps.Bus == nil || deps.Identity == nil {
		return nil, errors.New("status: queue, topics, bus and identity are required")
	}
	cfg = cfg.withDefaults()
	if deps.TimeSync == nil {
		deps.TimeSync = timesync.NewSNTP()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	a := &Aggregator{
		cfg:         cfg,
		deps:        deps,
		now:         now,
		created:     now(),
		tzInterval:  cfg.TimeZoneInterval,
		syncServer:  cfg.TimeSyncServer,
		syncTimeout: cfg.TimeSyncTimeout,
		sendIP:      cfg.SendIP,
		appVersion:  cfg.AppVersion,
		backlog:     make(map[string]int64),
	}

	for _, r := range []struct {
		name string
		dst  **topic.Topic
	}{
		{topic.ServerStatus, &a.serverStatusTopic},
		{topic.Uptime, &a.uptimeTopic},
		{topic.RecordCounts, &a.countsTopic},
		{topic.ExternalTime, &a.externalTimeTopic},
		{topic.DeviceInfo, &a.deviceInfoTopic},
		{topic.TimeZone, &a.timeZoneTopic},
	} {
		t, err := deps.Topics.Resolve(r.name)
		if err != nil {
			return nil, errors.Wrap(err, "status: resolve topic")
		}
		*r.dst = t
	}

	main, err := scheduler.New(scheduler.Spec{
		Request:  MainRequest,
		Interval: cfg.Interval,
		Tasks: []scheduler.Task{
			{Name: "server_status", Run: a.processServerStatus},
			{Name: "uptime", Run: a.processUptime},
			{Name: "record_counts", Run: a.processRecordCounts},
			{Name: "external_time", Run: a.processExternalTime},
			{Name: "device_info", Run: a.processDeviceInfo},
		},
	}, a.schedulerOptions()...)
	if err != nil {
		return nil, err
	}
	a.main = main
	return a, nil
}

func (a *Aggregator) schedulerOptions() []scheduler.Option {
	if a.deps.Host == nil {
		return nil
	}
	return []scheduler.Option{scheduler.WithHost(a.deps.Host)}
}

// Start subscribes to the bus, registers the aggregator as a source before the
// first firing and starts the schedules. Timer registration refusals are
// logged and leave the schedules degraded.
func (a *Aggregator) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	if a.closed {
		a.lifeMu.Unlock()
		return ErrClosed
	}
	if a.started || a.starting {
		a.lifeMu.Unlock()
		return nil
	}
	a.starting = true
	a.lifeMu.Unlock()

	subs := []func(){
		a.deps.Bus.Subscribe(eventbus.ConnectivityChanged, a.onConnectivityChanged),
		a.deps.Bus.Subscribe(eventbus.RecordsSent, a.onRecordsSent),
		a.deps.Bus.Subscribe(eventbus.BacklogChanged, a.onBacklogChanged),
	}
	var sourceID string
	mode := a.main.Start(func() { sourceID = a.initialize(ctx) })

	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	a.starting = false
	if a.closed {
		for _, unsubscribe := range subs {
			unsubscribe()
		}
		return ErrClosed
	}
	a.unsubscribe = subs
	a.sourceID = sourceID
	a.started = true
	if a.tzInterval > 0 {
		a.startTimeZoneLocked()
	}
	log.Info().
		Str("source_name", a.cfg.Name).
		Str("source_id", a.sourceID).
		Dur("interval", a.cfg.Interval).
		Dur("tz_interval", a.tzInterval).
		Str("mode", mode.String()).
		Msg("status aggregator started")
	return nil
}

// initialize runs once before the first firing and returns the source id.
func (a *Aggregator) initialize(ctx context.Context) string {
	a.primeCaches()

	sourceID := uuid.NewString()
	if a.deps.Store != nil {
		sourceID = a.deps.Store.LoadOrStoreUUID(nsSource, keySourceID)
	}
	if a.deps.Registrar == nil {
		return sourceID
	}
	id, err := a.deps.Identity.Identity(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("status: read identity for registration failed")
		id = devinfo.Identity{AppVersion: a.currentAppVersion()}
	}
	meta := source.Metadata{
		ID:         sourceID,
		Name:       a.cfg.Name,
		Type:       a.cfg.SourceType,
		Attributes: devinfo.Attributes(id, a.cfg.AppVersionCode, a.cfg.PackageName),
	}
	if err := a.deps.Registrar.RegisterSource(ctx, meta); err != nil {
		log.Warn().Err(err).Str("source_id", sourceID).Msg("status: source registration failed")
	}
	return sourceID
}

func (a *Aggregator) primeCaches() {
	if a.deps.Store == nil {
		return
	}
	if stored, err := a.deps.Store.LoadOrStore(nsDeviceInfo, nil); err != nil {
		log.Warn().Err(err).Msg("status: load persisted device info failed")
	} else if id, ok := devinfo.FromProps(stored); ok {
		a.deviceCache.Prime(id)
	}
	if raw, ok, err := a.deps.Store.Load(nsTimeZone, keyTZOffset); err != nil {
		log.Warn().Err(err).Msg("status: load persisted time zone failed")
	} else if ok {
		if offset, err := strconv.Atoi(raw); err == nil {
			a.tzCache.Prime(offset)
		}
	}
}

// connectedLocked reports whether the aggregator is running. Requires lifeMu.
func (a *Aggregator) connectedLocked() bool {
	return a.started && !a.closed
}

func (a *Aggregator) startTimeZoneLocked() {
	tz, err := scheduler.New(scheduler.Spec{
		Request:  TimeZoneRequest,
		Interval: a.tzInterval,
		Tasks:    []scheduler.Task{{Name: "time_zone", Run: a.processTimeZone}},
	}, a.schedulerOptions()...)
	if err != nil {
		log.Error().Err(err).Msg("status: create time zone schedule failed")
		return
	}
	a.tz = tz
	tz.Start(nil)
}

// SetInterval changes the interval of the main schedule.
func (a *Aggregator) SetInterval(d time.Duration) {
	a.main.SetInterval(d)
}

// SetTimeZoneInterval reschedules the time zone schedule. A non-positive
// interval tears it down; a positive one creates it when missing and starts
// it right away if the aggregator is running.
func (a *Aggregator) SetTimeZoneInterval(d time.Duration) {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.closed {
		return
	}
	a.tzInterval = d
	if d <= 0 {
		if a.tz != nil {
			a.tz.Close()
			a.tz = nil
			log.Info().Msg("status: time zone schedule disabled")
		}
		return
	}
	if a.tz != nil {
		a.tz.SetInterval(d)
		return
	}
	if a.connectedLocked() {
		a.startTimeZoneLocked()
	}
}

// SetTimeSyncServer sets the time server; blank disables time queries.
func (a *Aggregator) SetTimeSyncServer(addr string) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	a.syncServer = strings.TrimSpace(addr)
}

func (a *Aggregator) timeSyncServer() string {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.syncServer
}

// SetTimeSyncTimeout bounds later time queries. Non-positive values restore
// DefaultTimeSyncTimeout.
func (a *Aggregator) SetTimeSyncTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeSyncTimeout
	}
	a.timeoutMu.Lock()
	a.syncTimeout = d
	a.timeoutMu.Unlock()
}

func (a *Aggregator) timeSyncTimeout() time.Duration {
	a.timeoutMu.Lock()
	defer a.timeoutMu.Unlock()
	return a.syncTimeout
}

// SetSendIP toggles the IP address in server status records.
func (a *Aggregator) SetSendIP(send bool) {
	a.ipMu.Lock()
	a.sendIP = send
	a.ipMu.Unlock()
}

func (a *Aggregator) sendsIP() bool {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()
	return a.sendIP
}

// SetAppVersion sets the version reported when the identity source has none.
// Blank keeps the current value.
func (a *Aggregator) SetAppVersion(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	a.versionMu.Lock()
	a.appVersion = v
	a.versionMu.Unlock()
}

func (a *Aggregator) currentAppVersion() string {
	a.versionMu.Lock()
	defer a.versionMu.Unlock()
	return a.appVersion
}

// RunOnce runs one firing of each live schedule on the caller's goroutine.
func (a *Aggregator) RunOnce(ctx context.Context) {
	a.main.RunOnce(ctx)
	a.lifeMu.Lock()
	tz := a.tz
	a.lifeMu.Unlock()
	if tz != nil {
		tz.RunOnce(ctx)
	}
}

// Close releases the bus subscriptions and cancels both schedules. It is safe
// to call from a task of the aggregator itself.
func (a *Aggregator) Close() {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.unsubscribe = nil
	a.main.Close()
	if a.tz != nil {
		a.tz.Close()
		a.tz = nil
	}
	log.Info().Str("source_name", a.cfg.Name).Msg("status aggregator closed")
}

func (a *Aggregator) onConnectivityChanged(ev eventbus.Event) {
	status := records.ConnectionStatus(ev.Code)
	a.connMu.Lock()
	a.connection = status
	a.connMu.Unlock()
	log.Debug().Str("connection", status.String()).Msg("status: connectivity changed")
}

func (a *Aggregator) onRecordsSent(ev eventbus.Event) {
	delta := ev.Count
	if delta < 0 {
		delta = 0
	}
	a.countMu.Lock()
	a.sent = saturatingAdd(a.sent, delta)
	a.countMu.Unlock()
}

func (a *Aggregator) onBacklogChanged(ev eventbus.Event) {
	if ev.Stream == "" {
		return
	}
	a.countMu.Lock()
	a.backlog[ev.Stream] = ev.Count
	a.countMu.Unlock()
}

func (a *Aggregator) connectionStatus() records.ConnectionStatus {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.connection
}

// counts returns the unsent backlog total and the sent counter. Unknown and
// negative backlog sizes count as zero; the total saturates.
func (a *Aggregator) counts() (unsent, sent int64) {
	a.countMu.Lock()
	defer a.countMu.Unlock()
	for _, n := range a.backlog {
		if n > 0 {
			unsent = saturatingAdd(unsent, n)
		}
	}
	return unsent, a.sent
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// Snapshot is a point-in-time view of the aggregator state.
type Snapshot struct {
	SourceID         string           `json:"source_id"`
	Name             string           `json:"name"`
	Connection       string           `json:"connection"`
	ServerStatus     string           `json:"server_status"`
	RecordsSent      int64            `json:"records_sent"`
	RecordsUnsent    int64            `json:"records_unsent"`
	Backlog          map[string]int64 `json:"backlog"`
	Uptime           time.Duration    `json:"uptime"`
	Interval         time.Duration    `json:"interval"`
	TimeZoneInterval time.Duration    `json:"tz_interval"`
	TimeSyncServer   string           `json:"time_sync_server,omitempty"`
	TimeSyncTimeout  time.Duration    `json:"time_sync_timeout"`
	SendIP           bool             `json:"send_ip"`
	AppVersion       string           `json:"app_version,omitempty"`
	MainMode         string           `json:"main_mode"`
	TimeZoneMode     string           `json:"tz_mode"`
}

func (a *Aggregator) Snapshot() Snapshot {
	unsent, sent := a.counts()
	a.countMu.Lock()
	backlog := make(map[string]int64, len(a.backlog))
	for k, v := range a.backlog {
		backlog[k] = v
	}
	a.countMu.Unlock()

	conn := a.connectionStatus()
	a.lifeMu.Lock()
	tzMode := "disabled"
	if a.tz != nil {
		tzMode = a.tz.Mode().String()
	}
	snap := Snapshot{
		SourceID:         a.sourceID,
		Name:             a.cfg.Name,
		Connection:       conn.String(),
		ServerStatus:     string(conn.ServerStatus()),
		RecordsSent:      sent,
		RecordsUnsent:    unsent,
		Backlog:          backlog,
		Uptime:           a.uptime(a.now()),
		Interval:         a.main.Interval(),
		TimeZoneInterval: a.tzInterval,
		TimeSyncServer:   a.timeSyncServer(),
		TimeSyncTimeout:  a.timeSyncTimeout(),
		SendIP:           a.sendsIP(),
		AppVersion:       a.currentAppVersion(),
		MainMode:         a.main.Mode().String(),
		TimeZoneMode:     tzMode,
	}
	a.lifeMu.Unlock()
	return snap
}

func (a *Aggregator) emit(ctx context.Context, t *topic.Topic, rec records.Record) error {
	if err := a.deps.Queue.Put(ctx, t, rec); err != nil {
		return errors.Wrapf(err, "status: enqueue %s record", t.Name)
	}
	metrics.ObserveRecordEmitted(t.Name)
	return nil
}
