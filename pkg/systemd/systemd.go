// Package systemd reports service state to systemd through sd_notify.
// Outside a Type=notify unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "autochat/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports startup completion.
func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Debug("notified ready")
	}
}

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// RunWatchdog pings at half the configured WatchdogSec until ctx ends. It
// returns at once when the watchdog is off.
func (n *Notifier) RunWatchdog(ctx context.Context) error {
	interval, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
