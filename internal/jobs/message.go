package jobs

import (
	"context"
	"strings"

	"fluentsched/internal/config"
	logx "fluentsched/pkg/logx"
)

// Message writes a fixed line to the log. It is mostly useful as a heartbeat
// and for trying out schedule expressions.
type Message struct {
	text string
	log  logx.Logger
}

func NewMessage(def config.JobConfig, log logx.Logger) *Message {
	text := strings.TrimSpace(def.Message)
	if text == "" {
		text = "tick"
	}
	return &Message{text: text, log: log}
}

func (m *Message) Execute(context.Context) error {
	m.log.Info(m.text)
	return nil
}
