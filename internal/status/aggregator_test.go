package status

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/radarbase/statusagent/internal/devinfo"
	"github.com/radarbase/statusagent/internal/eventbus"
	"github.com/radarbase/statusagent/internal/scheduler"
	"github.com/radarbase/statusagent/internal/source"
	"github.com/radarbase/statusagent/internal/timesync"
	"github.com/radarbase/statusagent/internal/topic"
	"github.com/radarbase/statusagent/pkg/records"
)

type stubQueue struct {
	mu    sync.Mutex
	recs  map[string][]records.Record
	onPut func(stream string)
}

func (q *stubQueue) Put(_ context.Context, t *topic.Topic, rec records.Record) error {
	q.mu.Lock()
	if q.recs == nil {
		q.recs = make(map[string][]records.Record)
	}
	q.recs[t.Name] = append(q.recs[t.Name], rec)
	hook := q.onPut
	q.mu.Unlock()
	if hook != nil {
		hook(t.Name)
	}
	return nil
}

func (q *stubQueue) stream(name string) []records.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]records.Record(nil), q.recs[name]...)
}

type stubStore struct {
	mu     sync.Mutex
	props  map[string]map[string]string
	writes map[string]int
}

func newStubStore() *stubStore {
	return &stubStore{props: make(map[string]map[string]string), writes: make(map[string]int)}
}

func (s *stubStore) Load(ns, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.props[ns][key]
	return v, ok, nil
}

func (s *stubStore) Store(ns, key, value string) error {
	return s.StoreAll(ns, map[string]string{key: value})
}

func (s *stubStore) StoreAll(ns string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.props[ns] == nil {
		s.props[ns] = make(map[string]string)
	}
	for k, v := range values {
		s.props[ns][k] = v
	}
	s.writes[ns]++
	return nil
}

func (s *stubStore) LoadOrStore(ns string, defaults map[string]string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range s.props[ns] {
		out[k] = v
	}
	return out, nil
}

func (s *stubStore) LoadOrStoreUUID(ns, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.props[ns][key]; ok {
		return v
	}
	if s.props[ns] == nil {
		s.props[ns] = make(map[string]string)
	}
	s.props[ns][key] = "generated-id"
	return "generated-id"
}

func (s *stubStore) writeCount(ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[ns]
}

type stubQuerier struct {
	mu    sync.Mutex
	calls int
	res   timesync.Result
	err   error
}

func (q *stubQuerier) Query(_ context.Context, server string, _ time.Duration) (timesync.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	res := q.res
	res.Server = server
	return res, q.err
}

type stubRegistrar struct {
	mu    sync.Mutex
	metas []source.Metadata
}

func (r *stubRegistrar) RegisterSource(_ context.Context, m source.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas = append(r.metas, m)
	return nil
}

type stubAddresses struct{ ip string }

func (s stubAddresses) Address(context.Context) (string, error) { return s.ip, nil }

var testIdentity = devinfo.Identity{
	Manufacturer: "Acme",
	Model:        "X1",
	OS:           "linux",
	OSVersion:    "6.8",
	AppVersion:   "1.0.0",
}

type fixture struct {
	agg     *Aggregator
	queue   *stubQueue
	store   *stubStore
	querier *stubQuerier
	bus     *eventbus.Local
	host    *scheduler.TickerHost
}

func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		queue:   &stubQueue{},
		store:   newStubStore(),
		querier: &stubQuerier{},
		bus:     eventbus.NewLocal(),
		host:    scheduler.NewTickerHost(),
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	deps := Deps{
		Queue:    f.queue,
		Topics:   topic.Default(),
		Bus:      f.bus,
		Identity: devinfo.Static(testIdentity),
		Store:    f.store,
		TimeSync: f.querier,
		Host:     f.host,
	}
	if mutate != nil {
		mutate(&deps)
	}
	agg, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.agg = agg
	t.Cleanup(func() {
		agg.Close()
		f.bus.Close()
	})
	return f
}

func (f *fixture) publish(t *testing.T, evs ...eventbus.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := f.bus.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %s: %v", ev.Name, err)
		}
	}
	if err := f.bus.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestNewFailsOnUnresolvableTopic(t *testing.T) {
	topics := topic.NewRegistry()
	_, _ = topics.Register(topic.ServerStatus, "schema.ServerStatus")
	_, err := New(Config{}, Deps{
		Queue:    &stubQueue{},
		Topics:   topics,
		Bus:      eventbus.NewLocal(),
		Identity: devinfo.Static(testIdentity),
	})
	if err == nil {
		t.Fatal("expected topic resolution error")
	}
}

func TestRecordCountsFromBacklog(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if err := f.agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.publish(t,
		eventbus.Event{Name: eventbus.BacklogChanged, Stream: "A", Count: 5},
		eventbus.Event{Name: eventbus.BacklogChanged, Stream: "B", Count: eventbus.UnknownCount},
		eventbus.Event{Name: eventbus.BacklogChanged, Stream: "C", Count: 3},
	)
	f.agg.RunOnce(context.Background())

	got := f.queue.stream(topic.RecordCounts)
	if len(got) != 1 {
		t.Fatalf("expected 1 record counts record, got %d", len(got))
	}
	rec := got[0].(records.RecordCountsRecord)
	if rec.RecordsCached != 8 || rec.RecordsSent != 0 || rec.RecordsUnsent != 8 {
		t.Fatalf("expected cached=8 sent=0 unsent=8, got %+v", rec)
	}
}

func TestRecordsSentAccumulates(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_ = f.agg.Start(context.Background())
	f.publish(t,
		eventbus.Event{Name: eventbus.RecordsSent, Count: 10},
		eventbus.Event{Name: eventbus.RecordsSent, Count: -4},
		eventbus.Event{Name: eventbus.RecordsSent, Count: 5},
		eventbus.Event{Name: eventbus.BacklogChanged, Stream: "A", Count: 7},
		eventbus.Event{Name: eventbus.BacklogChanged, Stream: "A", Count: 2},
	)
	unsent, sent := f.agg.counts()
	if sent != 15 {
		t.Fatalf("expected sent 15, got %d", sent)
	}
	if unsent != 2 {
		t.Fatalf("expected last backlog value 2, got %d", unsent)
	}
}

func TestSaturatingAdd(t *testing.T) {
	if got := saturatingAdd(math.MaxInt64-1, 5); got != math.MaxInt64 {
		t.Fatalf("expected saturation, got %d", got)
	}
	if got := saturatingAdd(2, 3); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestBlankTimeServerPerformsNoQuery(t *testing.T) {
	f := newFixture(t, Config{TimeSyncServer: "   "}, nil)
	_ = f.agg.Start(context.Background())
	f.agg.RunOnce(context.Background())

	if f.querier.calls != 0 {
		t.Fatalf("expected no time query, got %d", f.querier.calls)
	}
	if n := len(f.queue.stream(topic.ExternalTime)); n != 0 {
		t.Fatalf("expected no external time record, got %d", n)
	}
	if n := len(f.queue.stream(topic.Uptime)); n != 1 {
		t.Fatalf("sibling tasks must still run, got %d uptime records", n)
	}
}

func TestTimeQueryFailureIsSkipped(t *testing.T) {
	f := newFixture(t, Config{TimeSyncServer: "time.example.org"}, nil)
	f.querier.err = errors.New("i/o timeout")
	_ = f.agg.Start(context.Background())
	f.agg.RunOnce(context.Background())

	if f.querier.calls != 1 {
		t.Fatalf("expected one query, got %d", f.querier.calls)
	}
	if n := len(f.queue.stream(topic.ExternalTime)); n != 0 {
		t.Fatalf("expected no external time record, got %d", n)
	}
	if n := len(f.queue.stream(topic.DeviceInfo)); n != 1 {
		t.Fatalf("later tasks must still run, got %d device info records", n)
	}
}

func TestExternalTimeRecord(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	local := time.Now()
	f.querier.res = timesync.Result{
		LocalTime:  local,
		ServerTime: local.Add(1500 * time.Millisecond),
		Offset:     1500 * time.Millisecond,
		Delay:      20 * time.Millisecond,
		Protocol:   timesync.ProtocolSNTP,
	}
	_ = f.agg.Start(context.Background())
	f.agg.SetTimeSyncServer(" time.example.org ")
	f.agg.RunOnce(context.Background())

	got := f.queue.stream(topic.ExternalTime)
	if len(got) != 1 {
		t.Fatalf("expected 1 external time record, got %d", len(got))
	}
	rec := got[0].(records.ExternalTimeRecord)
	if rec.Host != "time.example.org" || rec.Protocol != "SNTP" || rec.OffsetSeconds != 1.5 || rec.DelaySeconds != 0.02 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestDeviceInfoPersistedOnce(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_ = f.agg.Start(context.Background())
	f.agg.RunOnce(context.Background())
	f.agg.RunOnce(context.Background())

	if n := f.store.writeCount(nsDeviceInfo); n != 1 {
		t.Fatalf("expected device info persisted once, got %d writes", n)
	}
	if n := len(f.queue.stream(topic.DeviceInfo)); n != 1 {
		t.Fatalf("expected 1 device info record, got %d", n)
	}
}

func TestDeviceInfoPrimedFromStore(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.store.props[nsDeviceInfo] = testIdentity.ToProps()
	_ = f.agg.Start(context.Background())
	f.agg.RunOnce(context.Background())

	if n := len(f.queue.stream(topic.DeviceInfo)); n != 0 {
		t.Fatalf("unchanged identity after restart must not be emitted, got %d", n)
	}
	if n := f.store.writeCount(nsDeviceInfo); n != 0 {
		t.Fatalf("expected no writes, got %d", n)
	}
}

func TestServerStatusWithAddress(t *testing.T) {
	f := newFixture(t, Config{SendIP: true}, func(d *Deps) {
		d.Addresses = stubAddresses{ip: "10.0.0.2"}
	})
	_ = f.agg.Start(context.Background())
	f.publish(t, eventbus.Event{Name: eventbus.ConnectivityChanged, Code: int(records.ConnectionUploading)})
	f.agg.RunOnce(context.Background())

	got := f.queue.stream(topic.ServerStatus)
	if len(got) != 1 {
		t.Fatalf("expected 1 server status record, got %d", len(got))
	}
	rec := got[0].(records.ServerStatusRecord)
	if rec.Status != records.ServerConnected || rec.IPAddress != "10.0.0.2" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSetSendIPAppliesToNextFiring(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Addresses = stubAddresses{ip: "10.0.0.2"}
	})
	_ = f.agg.Start(context.Background())
	f.agg.RunOnce(context.Background())
	f.agg.SetSendIP(true)
	f.agg.RunOnce(context.Background())
	f.agg.SetSendIP(false)
	f.agg.RunOnce(context.Background())

	got := f.queue.stream(topic.ServerStatus)
	if len(got) != 3 {
		t.Fatalf("expected 3 server status records, got %d", len(got))
	}
	for i, want := range []string{"", "10.0.0.2", ""} {
		if ip := got[i].(records.ServerStatusRecord).IPAddress; ip != want {
			t.Fatalf("record %d: expected ip %q, got %q", i, want, ip)
		}
	}
}

type timeoutQuerier struct {
	mu       sync.Mutex
	timeouts []time.Duration
}

func (q *timeoutQuerier) Query(_ context.Context, server string, timeout time.Duration) (timesync.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timeouts = append(q.timeouts, timeout)
	return timesync.Result{Server: server, LocalTime: time.Now(), ServerTime: time.Now()}, nil
}

func TestSetTimeSyncTimeout(t *testing.T) {
	q := &timeoutQuerier{}
	f := newFixture(t, Config{TimeSyncServer: "time.example.org", TimeSyncTimeout: 3 * time.Second}, func(d *Deps) {
		d.TimeSync = q
	})
	_ = f.agg.Start(context.Background())
	f.agg.RunOnce(context.Background())
	f.agg.SetTimeSyncTimeout(time.Second)
	f.agg.RunOnce(context.Background())
	f.agg.SetTimeSyncTimeout(0)
	f.agg.RunOnce(context.Background())

	q.mu.Lock()
	defer q.mu.Unlock()
	want := []time.Duration{3 * time.Second, time.Second, DefaultTimeSyncTimeout}
	if len(q.timeouts) != len(want) {
		t.Fatalf("expected %d queries, got %v", len(want), q.timeouts)
	}
	for i := range want {
		if q.timeouts[i] != want[i] {
			t.Fatalf("query %d: expected timeout %s, got %s", i, want[i], q.timeouts[i])
		}
	}
}

func TestUptimeUsesMonotonicClock(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_ = f.agg.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	f.agg.RunOnce(context.Background())

	got := f.queue.stream(topic.Uptime)
	if len(got) != 1 {
		t.Fatalf("expected 1 uptime record, got %d", len(got))
	}
	if secs := got[0].(records.UptimeRecord).UptimeSeconds; secs < 0.005 {
		t.Fatalf("expected uptime of at least 5ms, got %fs", secs)
	}
}

func TestUptimeNeverNegativeWhenClockStepsBack(t *testing.T) {
	var mu sync.Mutex
	wall := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Clock = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return wall
		}
	})
	_ = f.agg.Start(context.Background())
	mu.Lock()
	wall = wall.Add(-time.Hour)
	mu.Unlock()
	f.agg.RunOnce(context.Background())

	got := f.queue.stream(topic.Uptime)
	if len(got) != 1 {
		t.Fatalf("expected 1 uptime record, got %d", len(got))
	}
	if secs := got[0].(records.UptimeRecord).UptimeSeconds; secs != 0 {
		t.Fatalf("expected zero uptime after a backwards step, got %fs", secs)
	}
	if up := f.agg.Snapshot().Uptime; up != 0 {
		t.Fatalf("expected zero snapshot uptime, got %s", up)
	}
}

func TestStartRegistersSource(t *testing.T) {
	registrar := &stubRegistrar{}
	f := newFixture(t, Config{AppVersionCode: "42", PackageName: "org.radarcns.detail"}, func(d *Deps) {
		d.Registrar = registrar
	})
	if err := f.agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_ = f.agg.Start(context.Background())

	if len(registrar.metas) != 1 {
		t.Fatalf("expected one registration, got %d", len(registrar.metas))
	}
	meta := registrar.metas[0]
	if meta.ID != "generated-id" || meta.Name != DefaultName {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.Attributes[devinfo.AttrModel] != "X1" || meta.Attributes[devinfo.AttrAppVersionCode] != "42" {
		t.Fatalf("unexpected attributes %v", meta.Attributes)
	}
	if f.agg.Snapshot().SourceID != "generated-id" {
		t.Fatal("snapshot must expose the source id")
	}
}

func TestTimeZoneScheduleLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	f.agg.SetTimeZoneInterval(time.Hour)
	if _, ok := f.host.Live(TimeZoneRequest); ok {
		t.Fatal("time zone schedule must wait for start")
	}
	_ = f.agg.Start(context.Background())
	if every, ok := f.host.Live(TimeZoneRequest); !ok || every != time.Hour {
		t.Fatalf("expected live time zone schedule at 1h, got %s ok=%v", every, ok)
	}

	f.agg.SetTimeZoneInterval(2 * time.Hour)
	if every, _ := f.host.Live(TimeZoneRequest); every != 2*time.Hour {
		t.Fatalf("expected rescheduled 2h, got %s", every)
	}
	if n := f.host.Count(); n != 2 {
		t.Fatalf("expected 2 live registrations, got %d", n)
	}

	f.agg.SetTimeZoneInterval(0)
	if _, ok := f.host.Live(TimeZoneRequest); ok {
		t.Fatal("non-positive interval must tear down the time zone schedule")
	}
	if f.agg.Snapshot().TimeZoneMode != "disabled" {
		t.Fatal("expected disabled time zone mode")
	}

	f.agg.SetTimeZoneInterval(time.Minute)
	f.agg.RunOnce(context.Background())
	f.agg.RunOnce(context.Background())
	if n := len(f.queue.stream(topic.TimeZone)); n != 1 {
		t.Fatalf("unchanged offset must be emitted once, got %d", n)
	}
}

func TestCloseFromWithinTask(t *testing.T) {
	f := newFixture(t, Config{TimeZoneInterval: time.Hour}, nil)
	f.queue.onPut = func(stream string) {
		if stream == topic.Uptime {
			f.agg.Close()
		}
	}
	if err := f.agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if n := f.host.Count(); n != 2 {
		t.Fatalf("expected both schedules live, got %d", n)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.agg.RunOnce(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("closing from within a task deadlocked")
	}

	if n := f.host.Count(); n != 0 {
		t.Fatalf("expected both schedules canceled, %d live", n)
	}
	snap := f.agg.Snapshot()
	if snap.MainMode != scheduler.ModeClosed.String() || snap.TimeZoneMode != "disabled" {
		t.Fatalf("unexpected modes %s/%s", snap.MainMode, snap.TimeZoneMode)
	}
	if n := len(f.queue.stream(topic.RecordCounts)); n != 0 {
		t.Fatalf("tasks after close must be skipped, got %d record counts", n)
	}
	if f.bus.Subscribers(eventbus.RecordsSent) != 0 {
		t.Fatal("subscriptions must be released on close")
	}
	if err := f.agg.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConfigFromSettings(t *testing.T) {
	base := Config{Interval: time.Minute, TimeSyncServer: "a"}
	cfg := ConfigFromSettings(base, map[string]string{
		SettingInterval:         "30",
		SettingTimeZoneInterval: "1h",
		SettingTimeSyncServer:   " pool.ntp.org ",
		SettingSendIP:           "true",
		SettingTimeSyncTimeout:  "bogus",
	})
	if cfg.Interval != 30*time.Second || cfg.TimeZoneInterval != time.Hour {
		t.Fatalf("unexpected intervals %+v", cfg)
	}
	if cfg.TimeSyncServer != "pool.ntp.org" || !cfg.SendIP {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.TimeSyncTimeout != 0 {
		t.Fatalf("invalid timeout must keep base value, got %s", cfg.TimeSyncTimeout)
	}
}
