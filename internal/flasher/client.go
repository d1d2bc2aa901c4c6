// Package flasher implements the chunked flash operations of the OTA protocol
// on top of a transport.Port and an authenticated session.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

// Client talks to one device over one port. It is not safe for concurrent use:
// commands are strictly request/response.
type Client struct {
	port    transport.Port
	session *auth.Session
	codec   protocol.Codec
	cfg     Config
	log     logrus.FieldLogger

	seq  byte
	info *protocol.DeviceInfo
}

// New creates a client. session may be nil when only unauthenticated queries
// are needed.
func New(port transport.Port, session *auth.Session, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	mtu := port.MTU()
	if cfg.MTU > 0 && (mtu <= 0 || cfg.MTU < mtu) {
		mtu = cfg.MTU
	}

	return &Client{
		port:    port,
		session: session,
		codec:   protocol.Codec{MTU: mtu},
		cfg:     cfg,
		log:     cfg.Logger,
	}
}

// MTU returns the frame size limit in use.
func (c *Client) MTU() int {
	return c.codec.MTU
}

// Authenticate runs the handshake. It is never retried.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.session == nil {
		return auth.ErrNotAuthenticated
	}
	if err := c.session.Handshake(ctx, c); err != nil {
		return err
	}
	c.log.Info("authenticated")
	return nil
}

// Exchange sends one command and returns the payload of its OK response.
// There is no retry. It implements auth.Exchanger.
func (c *Client) Exchange(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	resp, err := c.roundTrip(ctx, cmd, data)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// exchangeRetry is Exchange within the retry budget.
func (c *Client) exchangeRetry(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	var out []byte
	err := c.retry(ctx, cmd, func() error {
		var err error
		out, err = c.Exchange(ctx, cmd, data)
		return err
	})
	return out, err
}

// startJob issues a command that starts a device job, within the retry
// budget. A job keeps running when only its acknowledgement was lost, so BUSY
// after a link failure means the command was accepted.
func (c *Client) startJob(ctx context.Context, cmd byte, data []byte) error {
	unacked := false
	return c.retry(ctx, cmd, func() error {
		_, err := c.Exchange(ctx, cmd, data)

		var devErr *DeviceError
		if unacked && errors.As(err, &devErr) && devErr.Status == protocol.StatusBusy {
			c.log.WithField("cmd", protocol.CommandName(cmd)).Debug("job already running")
			return nil
		}

		unacked = unacked || transport.IsTransient(err)
		return err
	})
}

// retry runs op within the retry budget. A lost link ends the session, so
// signed commands retried after it fail locally and the link failure is
// reported instead.
func (c *Client) retry(ctx context.Context, cmd byte, op func() error) error {
	var lost error
	err := Retry(ctx, c.cfg.Retries+1, c.backoff(), func() error {
		err := op()
		if errors.Is(err, transport.ErrDisconnected) {
			lost = err
		}
		if err != nil && IsTransient(err) {
			c.log.WithError(err).WithField("cmd", protocol.CommandName(cmd)).Debug("retrying")
		}
		return err
	})
	if lost != nil && errors.Is(err, auth.ErrNotAuthenticated) {
		return lost
	}
	return err
}

func (c *Client) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.cfg.PollInterval,
		Max:    c.cfg.PollInterval * 20,
		Factor: 2,
		Jitter: true,
	}
}

// roundTrip signs, sends and waits for the matching response. Responses with
// another sequence tag are left over from earlier timed out commands and are
// dropped.
func (c *Client) roundTrip(ctx context.Context, cmd byte, data []byte) (*protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := protocol.NewRequest(cmd, data)
	c.seq++
	req.Seq = c.seq

	if protocol.IsAuthenticated(cmd) {
		if c.session == nil {
			return nil, fmt.Errorf("%s: %w", protocol.CommandName(cmd), auth.ErrNotAuthenticated)
		}
		proof, err := c.session.Sign(cmd, data)
		if err != nil {
			return nil, err
		}
		req.Proof = proof
	}

	frame, err := c.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.log.WithFields(logrus.Fields{
		"cmd":  protocol.CommandName(cmd),
		"seq":  req.Seq,
		"size": len(frame),
	}).Trace("send")

	if err := c.port.Send(cctx, frame); err != nil {
		return nil, c.linkError(ctx, cmd, err)
	}

	for {
		raw, err := c.port.Receive(cctx)
		if err != nil {
			return nil, c.linkError(ctx, cmd, err)
		}

		resp, err := protocol.DecodeResponse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", protocol.CommandName(cmd), err)
		}

		if resp.Seq != req.Seq || resp.Command != cmd {
			c.log.WithFields(logrus.Fields{
				"cmd": protocol.CommandName(resp.Command),
				"seq": resp.Seq,
			}).Debug("dropping stale response")
			continue
		}

		if !resp.IsSuccess() {
			return resp, &DeviceError{Command: cmd, Status: resp.Status}
		}

		return resp, nil
	}
}

// linkError annotates a port failure. A lost link ends the session.
func (c *Client) linkError(ctx context.Context, cmd byte, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, transport.ErrDisconnected) && c.session != nil {
		c.session.Invalidate()
	}
	return fmt.Errorf("%s: %w", protocol.CommandName(cmd), err)
}

// DeviceInfo queries the device once per client and caches the answer.
func (c *Client) DeviceInfo(ctx context.Context) (*protocol.DeviceInfo, error) {
	if c.info != nil {
		return c.info, nil
	}

	data, err := c.exchangeRetry(ctx, protocol.CmdInfo, nil)
	if err != nil {
		return nil, err
	}

	info, err := protocol.ParseDeviceInfo(data)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"model":      info.Model,
		"firmware":   info.FirmwareString(),
		"flash_size": info.FlashSize,
		"max_chunk":  info.MaxChunk,
		"erase":      info.EraseGranularity,
	}).Debug("device info")

	c.info = info
	return info, nil
}

// OTAState queries the bank bookkeeping. It is never cached.
func (c *Client) OTAState(ctx context.Context) (*protocol.OTAState, error) {
	data, err := c.exchangeRetry(ctx, protocol.CmdOTAState, nil)
	if err != nil {
		return nil, err
	}
	return protocol.ParseOTAState(data)
}

// waitIdle polls STATUS until the device finishes the running job.
func (c *Client) waitIdle(ctx context.Context, cmd byte) (*protocol.StatusReport, error) {
	octx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	b := c.backoff()
	for {
		data, err := c.exchangeRetry(octx, protocol.CmdStatus, nil)
		if err != nil {
			return nil, err
		}

		report, err := protocol.ParseStatusReport(data)
		if err != nil {
			return nil, err
		}

		if !report.Busy {
			if report.Code != protocol.StatusOK {
				return nil, &DeviceError{Command: cmd, Status: report.Code}
			}
			return report, nil
		}

		select {
		case <-octx.Done():
			return nil, fmt.Errorf("%s: %w", protocol.CommandName(cmd), transport.ContextError(octx))
		case <-time.After(b.Duration()):
		}
	}
}
