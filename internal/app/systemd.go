package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"signalbell/internal/scheduler"
	logx "signalbell/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify-type unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval
// while the scheduler is healthy. A running scheduler whose tick driver has
// stalled stops the pings so systemd can restart the service.
func watchdogLoop(ctx context.Context, log logx.Logger, status func() scheduler.Status, stall time.Duration) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !healthy(status(), time.Now(), stall) {
				log.Warn("scheduler tick stalled; withholding watchdog ping")
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}

func healthy(st scheduler.Status, now time.Time, stall time.Duration) bool {
	if st.State != scheduler.StateRunning || st.LastTick.IsZero() {
		return true
	}
	return now.Sub(st.LastTick) <= stall
}
