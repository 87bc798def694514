package ipcvq

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/config"
	"github.com/slackhq/ipcvq/mailbox"
)

const defaultMailboxDir = "/run/ipcvq"

type mailboxCloser interface {
	mailbox.Mailbox
	io.Closer
}

func validateMailbox(c *config.C) error {
	switch t := strings.ToLower(c.GetString("mailbox.type", "loopback")); t {
	case "loopback", "fifo":
		return nil
	default:
		return fmt.Errorf("mailbox.type was not understood: %s", t)
	}
}

// newMailbox builds the mailbox described by mailbox.*.
func newMailbox(l *logrus.Logger, c *config.C) (mailboxCloser, error) {
	switch strings.ToLower(c.GetString("mailbox.type", "loopback")) {
	case "fifo":
		return newFIFOMailbox(l, c.GetString("mailbox.dir", defaultMailboxDir))
	default:
		return mailbox.NewLoopback(l, c.GetInt("mailbox.depth", mailbox.DefaultDepth)), nil
	}
}
