package sol

import (
	"time"

	"github.com/ipmicore/ipmicore"
)

// Console is a high-level entry point: it logs into a BMC and activates
// SOL in one step, then leaves pumping the dispatcher to the caller via
// MainLoop or WaitForRsp.
type Console struct {
	Manager *ipmicore.Manager
	Session *ipmicore.Session
	Channel *Channel
}

// NewConsole logs into bmc and activates SOL. args.OnLogon must be nil:
// Console always performs a synchronous login before returning.
func NewConsole(manager *ipmicore.Manager, args *ipmicore.Arguments, sink Sink, force bool) (*Console, error) {
	session, err := manager.Session(args)
	if err != nil {
		return nil, err
	}
	channel, err := Activate(session, sink, force)
	if err != nil {
		return nil, err
	}
	return &Console{Manager: manager, Session: session, Channel: channel}, nil
}

// SendData writes bytes to the console.
func (c *Console) SendData(data []byte) error {
	return c.Channel.Send(data)
}

// WaitForRsp is a passthrough to the Manager's dispatcher.
func (c *Console) WaitForRsp(timeout time.Duration) (int, error) {
	return c.Manager.Wait(timeout)
}

// MainLoop pumps the dispatcher indefinitely, returning only on a
// dispatcher error (e.g. the Manager was closed).
func (c *Console) MainLoop() error {
	for {
		if _, err := c.Manager.Wait(600 * time.Second); err != nil {
			return err
		}
	}
}

// Close deactivates SOL for this console.
func (c *Console) Close() error {
	return c.Channel.Close()
}
