package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger configures the shared logrus instance.
func InitLogger() {
	Log = logrus.New()

	// JSON output so log aggregation can index fields.
	Log.SetFormatter(&logrus.JSONFormatter{})
	Log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}
	Log.SetLevel(level)
}
