package flasher

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

// readChunk returns the largest READ size that fits the device and the MTU.
func (c *Client) readChunk(info *protocol.DeviceInfo) (int, error) {
	return chunkSize(info, c.codec.MTU, protocol.ResponseOverhead())
}

// writeChunk returns the largest PROGRAM size that fits the device and the MTU.
func (c *Client) writeChunk(info *protocol.DeviceInfo) (int, error) {
	return chunkSize(info, c.codec.MTU, protocol.RequestOverhead(protocol.CmdProgram)+protocol.ProgramOverhead)
}

func chunkSize(info *protocol.DeviceInfo, mtu, overhead int) (int, error) {
	size := int(info.MaxChunk)
	if mtu > 0 && mtu-overhead < size {
		size = mtu - overhead
	}
	if size <= 0 {
		return 0, fmt.Errorf("MTU %d: %w", mtu, ErrChunkSize)
	}
	return size, nil
}

// validate checks the region against the device geometry.
func (c *Client) validate(ctx context.Context, region protocol.Region) (*protocol.DeviceInfo, error) {
	info, err := c.DeviceInfo(ctx)
	if err != nil {
		return nil, err
	}
	if err := region.Validate(info.FlashSize); err != nil {
		return nil, err
	}
	return info, nil
}

// Read reads the region in ascending chunks.
func (c *Client) Read(ctx context.Context, region protocol.Region, sink Sink) ([]byte, error) {
	sink = sinkOrNop(sink)

	info, err := c.validate(ctx, region)
	if err != nil {
		return nil, err
	}
	chunk, err := c.readChunk(info)
	if err != nil {
		return nil, err
	}

	total := int64(region.Length)
	out := make([]byte, 0, region.Length)

	for len(out) < int(region.Length) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := min(chunk, int(region.Length)-len(out))
		part := protocol.Region{Address: region.Address + uint32(len(out)), Length: uint32(n)}

		data, err := c.exchangeRetry(ctx, protocol.CmdRead, protocol.RegionData(part))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", part, err)
		}
		if len(data) != n {
			return nil, fmt.Errorf("read %s: got %d of %d bytes: %w", part, len(data), n, ErrShortRead)
		}

		out = append(out, data...)
		sink.Progress(int64(len(out)), total)
	}

	return out, nil
}

// Write programs data into the region. Each chunk gets the retry budget; a
// chunk that still fails stops the write with a WriteError carrying its
// address. The region must have been erased.
func (c *Client) Write(ctx context.Context, region protocol.Region, data []byte, sink Sink) error {
	sink = sinkOrNop(sink)

	if len(data) != int(region.Length) {
		return fmt.Errorf("%d bytes for %s: %w", len(data), region, ErrLengthMismatch)
	}

	info, err := c.validate(ctx, region)
	if err != nil {
		return err
	}
	chunk, err := c.writeChunk(info)
	if err != nil {
		return err
	}

	total := int64(len(data))
	log := c.log.WithFields(logrus.Fields{"region": region.String(), "chunk": chunk})
	log.Debug("write")

	for off := 0; off < len(data); off += chunk {
		addr := region.Address + uint32(off)

		if err := ctx.Err(); err != nil {
			return &WriteError{Address: addr, Err: err}
		}

		end := min(off+chunk, len(data))
		payload := protocol.ProgramData(addr, data[off:end])

		if _, err := c.exchangeRetry(ctx, protocol.CmdProgram, payload); err != nil {
			log.WithError(err).WithField("address", fmt.Sprintf("0x%08X", addr)).Error("chunk failed")
			return &WriteError{Address: addr, Err: err}
		}

		sink.Progress(int64(end), total)
	}

	return nil
}

// Erase erases the region widened to the device erase granularity and returns
// the region actually erased.
func (c *Client) Erase(ctx context.Context, region protocol.Region, sink Sink) (protocol.Region, error) {
	sink = sinkOrNop(sink)

	info, err := c.validate(ctx, region)
	if err != nil {
		return protocol.Region{}, err
	}

	effective, err := region.Align(info.EraseGranularity)
	if err != nil {
		return protocol.Region{}, err
	}
	if err := effective.Validate(info.FlashSize); err != nil {
		return protocol.Region{}, err
	}

	c.log.WithFields(logrus.Fields{
		"requested": region.String(),
		"effective": effective.String(),
	}).Debug("erase")

	total := int64(effective.Length)
	sink.Progress(0, total)

	if err := c.startJob(ctx, protocol.CmdErase, protocol.RegionData(effective)); err != nil {
		return protocol.Region{}, fmt.Errorf("erase %s: %w", effective, err)
	}
	if _, err := c.waitIdle(ctx, protocol.CmdErase); err != nil {
		return protocol.Region{}, fmt.Errorf("erase %s: %w", effective, err)
	}

	sink.Progress(total, total)
	return effective, nil
}

// Digest asks the device for the SHA-256 of the region.
func (c *Client) Digest(ctx context.Context, region protocol.Region) ([]byte, error) {
	if _, err := c.validate(ctx, region); err != nil {
		return nil, err
	}

	if err := c.startJob(ctx, protocol.CmdVerify, protocol.RegionData(region)); err != nil {
		return nil, fmt.Errorf("verify %s: %w", region, err)
	}

	report, err := c.waitIdle(ctx, protocol.CmdVerify)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", region, err)
	}
	if len(report.Result) != protocol.DigestSize {
		return nil, fmt.Errorf("verify %s: digest of %d bytes: %w", region, len(report.Result), protocol.ErrMalformedFrame)
	}

	return report.Result, nil
}

// Verify compares the device digest of the region with expected. A mismatch
// is returned as a VerificationError and is not retried.
func (c *Client) Verify(ctx context.Context, region protocol.Region, expected []byte, sink Sink) error {
	sink = sinkOrNop(sink)

	actual, err := c.Digest(ctx, region)
	if err != nil {
		return err
	}
	sink.Progress(int64(region.Length), int64(region.Length))

	if !bytes.Equal(actual, expected) {
		return &VerificationError{Region: region, Expected: expected, Actual: actual}
	}
	return nil
}

// Commit marks the inactive bank as the boot bank. It is sent exactly once.
func (c *Client) Commit(ctx context.Context) error {
	_, err := c.Exchange(ctx, protocol.CmdCommit, nil)
	return err
}

// Reboot restarts the device. The device drops the link while rebooting, so a
// disconnect or a missing answer counts as success.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.Exchange(ctx, protocol.CmdReboot, nil)
	if err == nil || transport.IsTransient(err) && !errors.Is(err, context.Canceled) {
		if err != nil {
			c.log.WithError(err).Debug("link dropped by reboot")
		}
		if c.session != nil {
			c.session.Invalidate()
		}
		return nil
	}
	return err
}
