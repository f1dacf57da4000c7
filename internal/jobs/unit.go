package jobs

import (
	"context"

	"github.com/cockroachdb/errors"

	"fluentsched/internal/config"
	"fluentsched/pkg/systemd"
)

// Unit applies a start, stop or restart to a systemd unit. Each instance owns
// its D-Bus connection and closes it on Dispose.
type Unit struct {
	unit   string
	action systemd.Action
	ctl    *systemd.Controller
}

func NewUnit(ctx context.Context, def config.JobConfig, dial systemd.DialFunc) (*Unit, error) {
	action, err := systemd.ParseAction(def.Action)
	if err != nil {
		return nil, err
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "systemd job %q", def.Name)
	}
	return &Unit{unit: def.Unit, action: action, ctl: systemd.NewController(conn)}, nil
}

func (u *Unit) Execute(ctx context.Context) error {
	return u.ctl.Apply(ctx, u.action, u.unit)
}

func (u *Unit) Dispose() error {
	u.ctl.Close()
	return nil
}
