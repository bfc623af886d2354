package cardscan

import (
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "cardscan")

// SetLogLevel sets the global logrus level from a name such as "debug".
// An empty name keeps the current level.
func SetLogLevel(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}
