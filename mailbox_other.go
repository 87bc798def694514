//go:build !linux

package ipcvq

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func newFIFOMailbox(*logrus.Logger, string) (mailboxCloser, error) {
	return nil, errors.New("mailbox.type fifo is only supported on linux")
}
