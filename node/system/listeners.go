package system

import (
	"fmt"
	"net"
)

type ListenersOptions struct {
	Address   string
	AdminPort int
}

type Listeners struct {
	adminListener net.Listener
}

func NewListeners(opts *ListenersOptions) (*Listeners, error) {
	var err error
	l := &Listeners{}

	if opts.AdminPort >= 0 {
		l.adminListener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Address, opts.AdminPort))
		if err != nil {
			_ = l.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *Listeners) BoundAdminPort() int {
	if l.adminListener == nil {
		return 0
	}
	return l.adminListener.Addr().(*net.TCPAddr).Port
}

func (l *Listeners) Close() error {
	if l.adminListener != nil {
		_ = l.adminListener.Close()
		l.adminListener = nil
	}

	return nil
}
