// ABOUTME: Agent-side registration handshake with bounded identity-conflict retry.
// ABOUTME: A missing ack fails open; any other rejection is a RegistrationError.

package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
)

// maxClockSkew is the server/agent clock difference worth warning about.
const maxClockSkew = 60 * time.Second

// RegistrationError is a register_ack the agent cannot recover from on this connection.
type RegistrationError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *RegistrationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registration rejected: %s", e.Code)
	}
	return fmt.Sprintf("registration rejected: %s: %s", e.Code, e.Message)
}

// register runs the handshake on s and records the identity the gateway accepted.
func (c *Client) register(ctx context.Context, s *session) error {
	device, err := c.device.DeviceInfo(ctx)
	if err != nil {
		c.logger.Warn("reading device info failed, registering without it", "error", err)
		device = protocol.DeviceInfo{}
	}

	id := c.baseID
	for conflicts := 0; ; {
		reg := &protocol.Register{
			ClientID:   id,
			Timestamp:  c.now().Unix(),
			DeviceInfo: device,
		}
		if err := s.send(ctx, reg); err != nil {
			return err
		}
		c.logger.Debug("sent register", "client_id", id)

		ack, err := s.awaitAck(ctx, c.registerTimeout)
		if errors.Is(err, errAckTimeout) {
			c.logger.Warn("no register_ack received, assuming registered",
				"client_id", id,
				"timeout", c.registerTimeout,
			)
			s.clientID = id
			return nil
		}
		if err != nil {
			return err
		}

		if ack.Success {
			c.logger.Info("registered", "client_id", id, "message", ack.Message)
			c.checkSkew(ack.ServerTime)
			s.clientID = id
			return nil
		}

		if ack.ErrorCode == protocol.CodeIdentityConflict && conflicts < c.maxConflictRetries {
			conflicts++
			next := mutateID(c.baseID)
			c.logger.Warn("client id in use, retrying with a new one",
				"client_id", id,
				"new_client_id", next,
				"attempt", conflicts,
			)
			id = next
			continue
		}

		return &RegistrationError{Code: ack.ErrorCode, Message: ack.Error}
	}
}

func (c *Client) checkSkew(serverTime int64) {
	if serverTime == 0 {
		return
	}
	skew := time.Duration(c.now().Unix()-serverTime) * time.Second
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		c.logger.Warn("clock skew with gateway", "skew", skew, "server_time", serverTime)
	}
}

// mutateID derives a replacement identity as "<base>-NNNN".
func mutateID(base string) string {
	return fmt.Sprintf("%s-%d", base, 1000+rand.IntN(9000))
}
