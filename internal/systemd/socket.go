package systemd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// MetricsSocketName is the FileDescriptorName= of the metrics socket in
// dutyclock.socket.
const MetricsSocketName = "metrics"

// Listeners holds the systemd-activated listeners
type Listeners struct {
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	// Don't unset the env vars; ListenersWithNames reads them again.
	if len(activation.Files(false)) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named[MetricsSocketName]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyReloading sends RELOADING=1 while a SIGHUP is being handled
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// WatchdogInterval returns how often NotifyWatchdog should be sent, or zero
// when the unit has no WatchdogSec= configured or nothing is listening.
func WatchdogInterval() (time.Duration, error) {
	if !IsSystemdService() {
		return 0, nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0, fmt.Errorf("failed to read systemd watchdog settings: %w", err)
	}
	// Ping at half the timeout.
	return interval / 2, nil
}

// notify is a no-op when not running under systemd.
func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %s: %w", state, err)
	}
	return nil
}

// IsSystemdService returns true if systemd is listening for notifications
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
