// Package systemd reports service state to the service manager through the
// sd_notify protocol. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "rtcore/pkg/logx"
)

type Notifier struct {
	log logx.Logger
	// send is daemon.SdNotify; tests replace it.
	send func(unsetEnv bool, state string) (bool, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, send: daemon.SdNotify}
}

func (n *Notifier) notify(state string) {
	ok, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready() { n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) { n.notify("STATUS=" + s) }

// Watchdog pings the watchdog at half the configured interval while alive
// reports true. It returns when ctx ends or when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, alive func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return n.watchdog(ctx, interval/2, alive)
}

func (n *Notifier) watchdog(ctx context.Context, every time.Duration, alive func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive == nil || alive() {
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
