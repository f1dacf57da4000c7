// Package systemd controls systemd units over D-Bus.
package systemd

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Action is a unit state change.
type Action string

const (
	Start   Action = "start"
	Stop    Action = "stop"
	Restart Action = "restart"
)

// ParseAction accepts start, stop or restart (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Start, Stop, Restart:
		return a, nil
	default:
		return "", errors.Newf("unknown unit action %q (want start, stop or restart)", s)
	}
}

// Conn is the subset of *dbus.Conn the controller needs.
type Conn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// DialFunc opens a connection to the service manager.
type DialFunc func(ctx context.Context) (Conn, error)

// DialSystem connects to the system instance of systemd.
func DialSystem(ctx context.Context) (Conn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return conn, nil
}

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// Controller applies actions to units over one connection.
type Controller struct {
	conn Conn
}

func NewController(conn Conn) *Controller { return &Controller{conn: conn} }

// Apply queues the action and waits for systemd to report the job result.
func (c *Controller) Apply(ctx context.Context, action Action, unit string) error {
	if c.conn == nil {
		return errors.New("systemd connection is closed")
	}
	unit = UnitName(unit)

	var call func(context.Context, string, string, chan<- string) (int, error)
	switch action {
	case Start:
		call = c.conn.StartUnitContext
	case Stop:
		call = c.conn.StopUnitContext
	case Restart:
		call = c.conn.RestartUnitContext
	default:
		return errors.Newf("unknown unit action %q", action)
	}

	done := make(chan string, 1)
	if _, err := call(ctx, unit, "replace", done); err != nil {
		return errors.Wrapf(err, "%s %s", action, unit)
	}
	select {
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s %s", action, unit)
	case result := <-done:
		if result != "done" {
			return errors.Newf("%s %s: job %s", action, unit, result)
		}
		return nil
	}
}

// Close releases the connection. It is safe to call more than once.
func (c *Controller) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
