package jobs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	shellquote "github.com/kballard/go-shellquote"

	"fluentsched/internal/config"
	logx "fluentsched/pkg/logx"
)

// maxOutput bounds the command output kept for logs and errors.
const maxOutput = 4 << 10

// Command runs an external program. The command line is split with shell
// quoting rules but no shell is involved.
type Command struct {
	argv []string
	dir  string
	env  []string
	log  logx.Logger
}

func splitCommand(line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "parse command %q", line)
	}
	if len(argv) == 0 {
		return nil, errors.New("exec job: command is required")
	}
	return argv, nil
}

func NewCommand(def config.JobConfig, log logx.Logger) (*Command, error) {
	argv, err := splitCommand(def.Command)
	if err != nil {
		return nil, err
	}
	return &Command{argv: argv, dir: def.Dir, env: append([]string(nil), def.Env...), log: log}, nil
}

// Argv returns the parsed program and arguments.
func (c *Command) Argv() []string { return append([]string(nil), c.argv...) }

func (c *Command) Execute(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	output := strings.TrimSpace(out.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = errors.Newf("%s exited with code %d", c.argv[0], exitErr.ExitCode())
		} else {
			err = errors.Wrapf(err, "run %s", c.argv[0])
		}
		if output != "" {
			err = errors.WithDetail(err, output)
		}
		return err
	}
	c.log.Debug("command finished", logx.String("cmd", c.argv[0]), logx.Duration("took", took), logx.String("output", output))
	return nil
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - maxOutput; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
