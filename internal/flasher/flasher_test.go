package flasher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/simulator"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

var testKey = bytes.Repeat([]byte{0xA7}, auth.KeySize)

var bankB = protocol.Region{Address: simulator.DefaultBankB, Length: simulator.DefaultBankSize}

func testOptions() []Option {
	return []Option{
		WithTimeout(50 * time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithRetries(3),
	}
}

func newClient(t *testing.T, opts ...Option) (*Client, *simulator.Device) {
	t.Helper()

	dev := simulator.New(simulator.DefaultConfig(testKey))
	session, err := auth.NewSession(testKey)
	require.NoError(t, err)

	c := New(dev, session, append(testOptions(), opts...)...)
	require.NoError(t, c.Authenticate(context.Background()))

	return c, dev
}

func image(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func count(cmds []byte, cmd byte) int {
	n := 0
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

type recorder struct {
	done  []int64
	total int64
}

func (r *recorder) Progress(done, total int64) {
	r.done = append(r.done, done)
	r.total = total
}

func TestClient_DeviceInfoCached(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	info, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(simulator.DefaultFlashSize), info.FlashSize)

	_, err = c.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count(dev.Commands(), protocol.CmdInfo))

	state, err := c.OTAState(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.BankA, state.Active)
	assert.Equal(t, protocol.BankB, state.Target())
}

func TestClient_WriteReadRoundTrip(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	data := image(3000)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}

	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	progress := &recorder{}
	require.NoError(t, c.Write(ctx, region, data, progress))
	assert.Equal(t, int64(len(data)), progress.total)
	assert.Equal(t, int64(len(data)), progress.done[len(progress.done)-1])
	for i := 1; i < len(progress.done); i++ {
		assert.Greater(t, progress.done[i], progress.done[i-1])
	}

	got, err := c.Read(ctx, region, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_DigestSensitivity(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	data := image(1024)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}

	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, region, data, nil))

	digest, err := c.Digest(ctx, region)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, sum[:], digest)

	mutated := append([]byte(nil), data...)
	mutated[512] ^= 0x01
	_, err = c.Erase(ctx, region, nil)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, region, mutated, nil))

	digest, err = c.Digest(ctx, region)
	require.NoError(t, err)
	assert.NotEqual(t, sum[:], digest)
}

func TestClient_EraseRoundsUp(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	dev.SetFlash(0x1FFF, []byte{0x00, 0x00})

	effective, err := c.Erase(ctx, protocol.Region{Address: 0x1000, Length: 100}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.Region{Address: 0x1000, Length: 0x1000}, effective)

	// Erased up to the granularity boundary and not beyond
	assert.Equal(t, []byte{0xFF, 0x00}, dev.Flash(protocol.Region{Address: 0x1FFF, Length: 2}))
}

func TestClient_ValidationBeforeDeviceCommand(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	_, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	before := len(dev.Commands())

	_, err = c.Read(ctx, protocol.Region{Address: simulator.DefaultFlashSize - 4, Length: 8}, nil)
	assert.ErrorIs(t, err, protocol.ErrOutOfRange)
	assert.Equal(t, KindValidation, KindOf(err))

	err = c.Write(ctx, protocol.Region{Address: 0x2000, Length: 4}, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = c.Erase(ctx, protocol.Region{Address: 0x2000}, nil)
	assert.ErrorIs(t, err, protocol.ErrEmptyRegion)

	assert.Len(t, dev.Commands(), before)
}

func TestClient_ChunkSizeFollowsMTU(t *testing.T) {
	c, _ := newClient(t, WithMTU(64))
	ctx := context.Background()
	assert.Equal(t, 64, c.MTU())

	region := protocol.Region{Address: bankB.Address, Length: 100}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	progress := &recorder{}
	require.NoError(t, c.Write(ctx, region, image(100), progress))

	// 64 - header(5) - proof(20) - crc(4) - address(4)
	assert.Equal(t, []int64{31, 62, 93, 100}, progress.done)
}

func TestClient_WriteRetriesDroppedResponses(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	data := image(2000)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	dev.DropResponses(protocol.CmdProgram, 2)
	require.NoError(t, c.Write(ctx, region, data, nil))

	got, err := c.Read(ctx, region, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_WriteFailsWithAddress(t *testing.T) {
	c, dev := newClient(t, WithRetries(1))
	ctx := context.Background()

	data := image(2000)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	before := count(dev.Commands(), protocol.CmdProgram)
	dev.DropResponses(protocol.CmdProgram, 100)
	err = c.Write(ctx, region, data, nil)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, region.Address, writeErr.Address)
	assert.Equal(t, 2, count(dev.Commands(), protocol.CmdProgram)-before, "one attempt plus one retry")
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestClient_WriteDeviceErrorNotRetried(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	data := image(2000)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	chunk, err := c.writeChunk(&protocol.DeviceInfo{MaxChunk: simulator.DefaultMaxChunk})
	require.NoError(t, err)
	failAt := region.Address + uint32(chunk)
	dev.FailProgram(failAt)

	before := count(dev.Commands(), protocol.CmdProgram)
	err = c.Write(ctx, region, data, nil)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, failAt, writeErr.Address)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Equal(t, 2, count(dev.Commands(), protocol.CmdProgram)-before)
}

func TestClient_StaleResponsesDropped(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	_, err := c.OTAState(ctx)
	require.NoError(t, err)

	dev.InjectStale(1)
	info, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sim", info.Model)
}

func TestClient_VerifyMismatchNotRetried(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	data := image(512)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, region, data, nil))

	dev.CorruptDigest(true)
	sum := sha256.Sum256(data)
	err = c.Verify(ctx, region, sum[:], nil)

	var verErr *VerificationError
	require.ErrorAs(t, err, &verErr)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Equal(t, 1, count(dev.Commands(), protocol.CmdVerify))
}

func TestClient_RequiresAuthentication(t *testing.T) {
	dev := simulator.New(simulator.DefaultConfig(testKey))
	session, err := auth.NewSession(testKey)
	require.NoError(t, err)
	c := New(dev, session, testOptions()...)

	_, err = c.Read(context.Background(), protocol.Region{Address: 0x1000, Length: 16}, nil)
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Zero(t, count(dev.Commands(), protocol.CmdRead))
}

func TestClient_WrongKey(t *testing.T) {
	dev := simulator.New(simulator.DefaultConfig(testKey))
	session, err := auth.NewSession(bytes.Repeat([]byte{0x01}, auth.KeySize))
	require.NoError(t, err)
	c := New(dev, session, testOptions()...)

	err = c.Authenticate(context.Background())
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, []byte{protocol.CmdChallenge, protocol.CmdAuthenticate}, dev.Commands())
}

func TestClient_WriteCanceledBetweenChunks(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := image(2000)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	var first int64
	err = c.Write(ctx, region, data, ProgressFunc(func(done, total int64) {
		if first == 0 {
			first = done
			cancel()
		}
	}))

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, region.Address+uint32(first), writeErr.Address)
	assert.Equal(t, KindCanceled, KindOf(err))
}

func TestClient_WriteDisconnectIsTransportError(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	data := image(2000)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	_, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)

	err = c.Write(ctx, region, data, ProgressFunc(func(done, total int64) {
		if done > 0 {
			_ = dev.Close()
		}
	}))

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, transport.ErrDisconnected)
	assert.NotErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestClient_EraseAcknowledgementLost(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	region := protocol.Region{Address: bankB.Address, Length: 0x1000}
	dev.SetFlash(region.Address, image(int(region.Length)))
	dev.DropResponses(protocol.CmdErase, 1)

	erased, err := c.Erase(ctx, region, nil)
	require.NoError(t, err)
	assert.Equal(t, region, erased)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, int(region.Length)), dev.Flash(region))

	cmds := dev.Commands()
	assert.Equal(t, 2, count(cmds, protocol.CmdErase))
	assert.Positive(t, count(cmds, protocol.CmdStatus))
}

func TestClient_VerifyAcknowledgementLost(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	data := image(4096)
	region := protocol.Region{Address: bankB.Address, Length: uint32(len(data))}
	dev.SetFlash(region.Address, data)
	dev.DropResponses(protocol.CmdVerify, 1)

	sum := sha256.Sum256(data)
	require.NoError(t, c.Verify(ctx, region, sum[:], nil))
	assert.Equal(t, 2, count(dev.Commands(), protocol.CmdVerify))
}

func TestClient_CommitAndReboot(t *testing.T) {
	c, dev := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, protocol.BankB, dev.State().Active)

	require.NoError(t, c.Reboot(ctx))
	assert.Equal(t, auth.Unauthenticated, c.session.State())

	dev.Reconnect()
	state, err := c.OTAState(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.BootCommit, state.BootReason)
}
