package status

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/devinfo"
	"github.com/radarbase/statusagent/pkg/records"
	"github.com/rs/zerolog/log"
)

func (a *Aggregator) processServerStatus(ctx context.Context) error {
	rec := records.ServerStatusRecord{
		Time:   a.now(),
		Status: a.connectionStatus().ServerStatus(),
	}
	if a.deps.Addresses != nil && a.sendsIP() {
		ip, err := a.deps.Addresses.Address(ctx)
		if err != nil {
			return errors.Wrap(err, "status: resolve ip address")
		}
		rec.IPAddress = ip
	}
	return a.emit(ctx, a.serverStatusTopic, rec)
}

func (a *Aggregator) processUptime(ctx context.Context) error {
	now := a.now()
	return a.emit(ctx, a.uptimeTopic, records.UptimeRecord{
		Time:          now,
		UptimeSeconds: a.uptime(now).Seconds(),
	})
}

// uptime relies on the monotonic reading carried by time.Now. Clocks without
// one may step backwards; uptime then reads zero instead of going negative.
func (a *Aggregator) uptime(now time.Time) time.Duration {
	if d := now.Sub(a.created); d > 0 {
		return d
	}
	return 0
}

func (a *Aggregator) processRecordCounts(ctx context.Context) error {
	unsent, sent := a.counts()
	return a.emit(ctx, a.countsTopic, records.RecordCountsRecord{
		Time:          a.now(),
		RecordsCached: unsent,
		RecordsSent:   sent,
		RecordsUnsent: unsent,
	})
}

// processExternalTime skips the firing without error when no server is set or
// the query fails.
func (a *Aggregator) processExternalTime(ctx context.Context) error {
	server := a.timeSyncServer()
	if server == "" {
		return nil
	}
	res, err := a.deps.TimeSync.Query(ctx, server, a.timeSyncTimeout())
	if err != nil {
		log.Debug().Err(err).Str("server", server).Msg("status: time query failed, skip external time")
		return nil
	}
	return a.emit(ctx, a.externalTimeTopic, records.ExternalTimeRecord{
		Time:          res.LocalTime,
		ExternalTime:  res.ServerTime,
		OffsetSeconds: res.Offset.Seconds(),
		Host:          res.Server,
		Protocol:      res.Protocol,
		DelaySeconds:  res.Delay.Seconds(),
	})
}

// processDeviceInfo emits and persists the identity only when it changed.
func (a *Aggregator) processDeviceInfo(ctx context.Context) error {
	id, err := a.deps.Identity.Identity(ctx)
	if err != nil {
		return errors.Wrap(err, "status: read device identity")
	}
	if id.AppVersion == "" {
		id.AppVersion = a.currentAppVersion()
	}
	_, err = a.deviceCache.ApplyIfChanged(id, func(id devinfo.Identity) error {
		if err := a.emit(ctx, a.deviceInfoTopic, id.Record(a.now())); err != nil {
			return err
		}
		if a.deps.Store != nil {
			if err := a.deps.Store.StoreAll(nsDeviceInfo, id.ToProps()); err != nil {
				log.Warn().Err(err).Msg("status: persist device info failed")
			}
		}
		return nil
	})
	return err
}

func (a *Aggregator) processTimeZone(ctx context.Context) error {
	now := a.now()
	_, offset := now.Zone()
	_, err := a.tzCache.ApplyIfChanged(offset, func(offset int) error {
		if err := a.emit(ctx, a.timeZoneTopic, records.TimeZoneRecord{Time: now, OffsetSeconds: offset}); err != nil {
			return err
		}
		if a.deps.Store != nil {
			if err := a.deps.Store.Store(nsTimeZone, keyTZOffset, strconv.Itoa(offset)); err != nil {
				log.Warn().Err(err).Msg("status: persist time zone failed")
			}
		}
		return nil
	})
	return err
}
