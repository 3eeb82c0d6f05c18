package server

import (
	"os"
	"strings"

	"github.com/odpf/salt/log"
	"github.com/sirupsen/logrus"

	"github.com/odpf/kleidi/config"
)

const logFormatJSON = "json"

func NewLogger(conf config.LogConfig) *log.Logrus {
	opts := []log.Option{
		log.LogrusWithLevel(conf.Level.String()),
		log.LogrusWithWriter(os.Stderr),
	}
	if strings.EqualFold(conf.Format, logFormatJSON) {
		opts = append(opts, log.LogrusWithFormatter(&logrus.JSONFormatter{}))
	}
	return log.NewLogrus(opts...)
}
