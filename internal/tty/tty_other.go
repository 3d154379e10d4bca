//go:build !linux

package tty

import "errors"

// ErrUnsupported is returned by every Controller operation on platforms
// other than Linux. TIOCSTI-based character injection and the TCIOFF
// flow-control gate are Linux terminal-driver facilities; spec.md §1
// scopes this tool to Linux exclusively.
var ErrUnsupported = errors.New("tty: terminal injection requires linux")

type Controller struct{}

func New(fd int) *Controller { return &Controller{} }

func (c *Controller) EchoEnabled() (bool, error) { return false, ErrUnsupported }

func (c *Controller) WithEchoOff(fn func() error) error { return ErrUnsupported }

func (c *Controller) WithInputSuspended(fn func() error) error { return ErrUnsupported }

func (c *Controller) Flush() error { return ErrUnsupported }

func (c *Controller) Inject(b byte) error { return ErrUnsupported }

func (c *Controller) Readable() (int, error) { return 0, ErrUnsupported }

func (c *Controller) TypeDelivery(payload []byte) error { return ErrUnsupported }
