package simulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

var testKey = bytes.Repeat([]byte{0x5A}, auth.KeySize)

type rig struct {
	t          *testing.T
	dev        *Device
	seq        byte
	sessionKey []byte
	counter    uint32
}

func newRig(t *testing.T) *rig {
	return &rig{t: t, dev: New(DefaultConfig(testKey))}
}

func (r *rig) roundTrip(frame []byte) *protocol.Response {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(r.t, r.dev.Send(ctx, frame))
	raw, err := r.dev.Receive(ctx)
	require.NoError(r.t, err)
	resp, err := protocol.DecodeResponse(raw)
	require.NoError(r.t, err)
	return resp
}

func (r *rig) frame(cmd byte, data []byte, proof *protocol.Proof) []byte {
	r.seq++
	req := protocol.NewRequest(cmd, data)
	req.Seq = r.seq
	req.Proof = proof
	frame, err := protocol.Codec{MTU: r.dev.MTU()}.Encode(req)
	require.NoError(r.t, err)
	return frame
}

func (r *rig) signed(cmd byte, data []byte) []byte {
	r.counter++
	tag, err := auth.CommandTag(r.sessionKey, cmd, data, r.counter)
	require.NoError(r.t, err)
	return r.frame(cmd, data, &protocol.Proof{Counter: r.counter, Tag: tag})
}

func (r *rig) handshake() {
	resp := r.roundTrip(r.frame(protocol.CmdChallenge, nil, nil))
	require.True(r.t, resp.IsSuccess())
	nonce := resp.Data

	hostNonce := bytes.Repeat([]byte{0x01}, protocol.NonceSize)
	proof, err := auth.HostProof(testKey, nonce, hostNonce)
	require.NoError(r.t, err)

	resp = r.roundTrip(r.frame(protocol.CmdAuthenticate, append(hostNonce, proof[:]...), nil))
	require.True(r.t, resp.IsSuccess(), resp.ErrorString())

	expected, err := auth.DeviceProof(testKey, hostNonce, nonce)
	require.NoError(r.t, err)
	assert.Equal(r.t, expected[:], resp.Data)

	key, err := auth.SessionKey(testKey, nonce, hostNonce)
	require.NoError(r.t, err)
	r.sessionKey = key[:]
}

func TestDevice_Info(t *testing.T) {
	r := newRig(t)

	resp := r.roundTrip(r.frame(protocol.CmdInfo, nil, nil))
	require.True(t, resp.IsSuccess())
	assert.Equal(t, r.seq, resp.Seq)

	info, err := protocol.ParseDeviceInfo(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultFlashSize), info.FlashSize)
	assert.Equal(t, "sim", info.Model)

	resp = r.roundTrip(r.frame(protocol.CmdOTAState, nil, nil))
	state, err := protocol.ParseOTAState(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.BankA, state.Active)
}

func TestDevice_RequiresAuthentication(t *testing.T) {
	r := newRig(t)

	var proof protocol.Proof
	resp := r.roundTrip(r.frame(protocol.CmdRead, protocol.RegionData(protocol.Region{Address: 0, Length: 4}), &proof))
	assert.Equal(t, byte(protocol.StatusAuthRequired), resp.Status)
}

func TestDevice_WrongKey(t *testing.T) {
	r := newRig(t)

	resp := r.roundTrip(r.frame(protocol.CmdChallenge, nil, nil))
	hostNonce := make([]byte, protocol.NonceSize)
	proof, err := auth.HostProof(bytes.Repeat([]byte{0x11}, auth.KeySize), resp.Data, hostNonce)
	require.NoError(t, err)

	resp = r.roundTrip(r.frame(protocol.CmdAuthenticate, append(hostNonce, proof[:]...), nil))
	assert.Equal(t, byte(protocol.StatusAuthFailed), resp.Status)
}

func TestDevice_RejectsReplay(t *testing.T) {
	r := newRig(t)
	r.handshake()

	data := protocol.RegionData(protocol.Region{Address: 0x1000, Length: 16})
	frame := r.signed(protocol.CmdRead, data)

	resp := r.roundTrip(frame)
	require.True(t, resp.IsSuccess(), resp.ErrorString())

	// Same frame again
	resp = r.roundTrip(frame)
	assert.Equal(t, byte(protocol.StatusReplay), resp.Status)

	resp = r.roundTrip(r.signed(protocol.CmdRead, data))
	require.True(t, resp.IsSuccess(), resp.ErrorString())

	// Reused counter with a valid tag over different data
	r.counter = 1
	other := protocol.RegionData(protocol.Region{Address: 0x2000, Length: 16})
	resp = r.roundTrip(r.signed(protocol.CmdRead, other))
	assert.Equal(t, byte(protocol.StatusReplay), resp.Status)
}

func TestDevice_RejectsForgedTag(t *testing.T) {
	r := newRig(t)
	r.handshake()

	frame := r.signed(protocol.CmdErase, protocol.RegionData(protocol.Region{Address: 0x1000, Length: 4096}))
	frame[protocol.RequestHeaderSize+protocol.RegionDataSize+4] ^= 0x01
	// Keep the CRC valid so only the tag is wrong
	req, err := protocol.DecodeRequest(fixChecksum(frame))
	require.NoError(t, err)

	resp := r.roundTrip(fixChecksum(frame))
	assert.Equal(t, byte(protocol.StatusAuthFailed), resp.Status)
	assert.Equal(t, req.Seq, resp.Seq)
}

func TestDevice_NORSemantics(t *testing.T) {
	r := newRig(t)
	r.handshake()

	resp := r.roundTrip(r.signed(protocol.CmdProgram, protocol.ProgramData(0x2000, []byte{0x0F, 0xFF})))
	require.True(t, resp.IsSuccess())
	resp = r.roundTrip(r.signed(protocol.CmdProgram, protocol.ProgramData(0x2000, []byte{0xF0, 0xAA})))
	require.True(t, resp.IsSuccess())

	assert.Equal(t, []byte{0x00, 0xAA}, r.dev.Flash(protocol.Region{Address: 0x2000, Length: 2}))
}

func TestDevice_EraseAlignmentAndBusy(t *testing.T) {
	r := newRig(t)
	r.handshake()
	r.dev.SetFlash(DefaultBankB, []byte{1, 2, 3})

	resp := r.roundTrip(r.signed(protocol.CmdErase, protocol.RegionData(protocol.Region{Address: DefaultBankB, Length: 100})))
	assert.Equal(t, byte(protocol.StatusInvalid), resp.Status)

	resp = r.roundTrip(r.signed(protocol.CmdErase, protocol.RegionData(protocol.Region{Address: DefaultBankB, Length: 0x1000})))
	require.True(t, resp.IsSuccess())

	busy := 0
	for {
		resp = r.roundTrip(r.frame(protocol.CmdStatus, nil, nil))
		report, err := protocol.ParseStatusReport(resp.Data)
		require.NoError(t, err)
		if !report.Busy {
			assert.Equal(t, byte(protocol.StatusOK), report.Code)
			break
		}
		busy++
	}
	assert.Equal(t, 2, busy)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, r.dev.Flash(protocol.Region{Address: DefaultBankB, Length: 3}))
	assert.True(t, r.dev.State().Pending(), "erasing the inactive bank starts an update")
}

func TestDevice_RebootDisconnects(t *testing.T) {
	r := newRig(t)
	r.handshake()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.dev.Send(ctx, r.signed(protocol.CmdReboot, nil)))
	_, err := r.dev.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrDisconnected)
	assert.ErrorIs(t, r.dev.Send(ctx, r.frame(protocol.CmdInfo, nil, nil)), transport.ErrDisconnected)

	r.dev.Reconnect()
	resp := r.roundTrip(r.frame(protocol.CmdOTAState, nil, nil))
	state, err := protocol.ParseOTAState(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.BootSoftware, state.BootReason)
}

func TestDevice_ReceiveTimeout(t *testing.T) {
	dev := New(DefaultConfig(testKey))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := dev.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func fixChecksum(frame []byte) []byte {
	n := len(frame) - protocol.ChecksumSize
	binary.LittleEndian.PutUint32(frame[n:], crc32.ChecksumIEEE(frame[:n]))
	return frame
}
