// Package gateway is the single outbound send entrypoint. The variant is
// chosen once at startup: ProxyGateway forwards to a remote always-on
// gateway server, PrivateGateway queues for a registered device.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoDevice means private mode has no registered user/device to send with.
var ErrNoDevice = errors.New("no registered device, register a device first")

// SendRequest is one outbound SMS to one or more recipients.
type SendRequest struct {
	PhoneNumbers       []string
	Text               string
	SimNumber          int
	WithDeliveryReport bool
	IsEncrypted        bool
	ValidUntil         *time.Time
}

// Gateway delivers or queues an outbound SMS. The returned id is empty when
// the message is not tracked locally.
type Gateway interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// UpstreamError means delivery could not be attempted. Status is zero for
// transport failures.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("SMS Gateway unreachable: %v", e.Err)
	}
	return fmt.Sprintf("SMS Gateway error %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func simOrDefault(sim int) int {
	if sim <= 0 {
		return 1
	}
	return sim
}
