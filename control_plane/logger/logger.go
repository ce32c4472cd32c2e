package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log     *logrus.Logger
	logOnce sync.Once

	logStringMap = map[string]logrus.Level{
		"info":  logrus.InfoLevel,
		"debug": logrus.DebugLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
	}

	level = logrus.InfoLevel
)

// SetLevel configures the log level before first use. Calls after the logger
// has been handed out are ignored.
func SetLevel(name string) {
	if lvl, ok := logStringMap[name]; ok {
		level = lvl
	}
}

func GetLogger() *logrus.Logger {
	logOnce.Do(func() {
		log = logrus.New()
		log.SetLevel(level)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   true,
		})
		log.SetOutput(os.Stdout)
	})
	return log
}
