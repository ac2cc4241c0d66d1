package notify

import (
	"github.com/gen2brain/beeep"
	"github.com/sirupsen/logrus"
)

// Title is shown on every notification
const Title = "autodeploy"

// icon is left empty so the platform default is used
var icon []byte

// Desktop sends desktop notifications when enabled
type Desktop struct {
	enabled bool
	logger  logrus.FieldLogger
	send    func(title, message string) error
}

func NewDesktop(enabled bool, logger logrus.FieldLogger) *Desktop {
	return &Desktop{
		enabled: enabled,
		logger:  logger,
		send: func(title, message string) error {
			return beeep.Notify(title, message, icon)
		},
	}
}

// Notify shows message, failures are only logged
func (d *Desktop) Notify(message string) {
	if !d.enabled {
		return
	}

	if err := d.send(Title, message); err != nil {
		d.logger.WithError(err).Warn("Notification failed")
	}
}
