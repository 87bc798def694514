package ipcvq

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/mailbox"
)

func newFIFOMailbox(l *logrus.Logger, dir string) (mailboxCloser, error) {
	f, err := mailbox.NewFIFO(l, dir)
	if err != nil {
		return nil, err
	}
	return f, nil
}
