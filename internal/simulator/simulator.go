// Package simulator provides an in-memory OTA device that speaks the frame
// protocol over a transport.Port. It backs engine tests and lets the CLI be
// exercised without hardware.
package simulator

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

// Default geometry, matching the CH59x layout the tool was built for.
const (
	DefaultFlashSize        = 0x70000
	DefaultEraseGranularity = 4096
	DefaultMaxChunk         = 512
	DefaultMTU              = 512
	DefaultBankSize         = 0x36000
	DefaultBankA            = 0x1000
	DefaultBankB            = 0x37000
)

// Config describes the simulated device.
type Config struct {
	Key       []byte
	Info      protocol.DeviceInfo
	Active    protocol.Bank
	BankA     protocol.Region
	BankB     protocol.Region
	MTU       int
	BusyPolls int
}

// DefaultConfig returns a device with bank A active and the given key.
func DefaultConfig(key []byte) Config {
	return Config{
		Key: key,
		Info: protocol.DeviceInfo{
			ProtocolVersion:  protocol.Version,
			HardwareID:       0x0592,
			FirmwareVersion:  0x010000,
			FlashSize:        DefaultFlashSize,
			MaxChunk:         DefaultMaxChunk,
			EraseGranularity: DefaultEraseGranularity,
			Model:            "sim",
		},
		Active:    protocol.BankA,
		BankA:     protocol.Region{Address: DefaultBankA, Length: DefaultBankSize},
		BankB:     protocol.Region{Address: DefaultBankB, Length: DefaultBankSize},
		MTU:       DefaultMTU,
		BusyPolls: 2,
	}
}

// Device is a simulated OTA target. It implements transport.Port.
type Device struct {
	mu sync.Mutex

	cfg   Config
	flash []byte
	state protocol.OTAState

	nonce         []byte
	sessionKey    []byte
	authenticated bool
	lastCounter   uint32

	busy       int
	result     []byte
	resultCode byte

	responses    chan []byte
	disconnected chan struct{}
	lastResponse []byte
	commands     []byte
	seen         map[[protocol.TagSize]byte]bool

	faults faults
}

type faults struct {
	drop          map[byte]int
	stale         int
	corruptDigest bool
	ignoreCommit  bool
	failProgramAt map[uint32]bool
}

// New creates a device with erased flash.
func New(cfg Config) *Device {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}

	d := &Device{
		cfg:          cfg,
		flash:        bytes.Repeat([]byte{0xFF}, int(cfg.Info.FlashSize)),
		state:        protocol.OTAState{Active: cfg.Active, BootReason: protocol.BootPowerOn},
		responses:    make(chan []byte, 16),
		disconnected: make(chan struct{}),
		seen:         map[[protocol.TagSize]byte]bool{},
		faults: faults{
			drop:          map[byte]int{},
			failProgramAt: map[uint32]bool{},
		},
	}

	return d
}

// Send implements transport.Port. The device handles the frame right away and
// queues the answer.
func (d *Device) Send(ctx context.Context, frame []byte) error {
	if err := transport.CheckFrame(d, frame); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.disconnected:
		return transport.ErrDisconnected
	default:
	}

	resp := d.handle(frame)
	if resp == nil {
		return nil
	}

	if d.faults.drop[resp.Command] > 0 {
		d.faults.drop[resp.Command]--
		return nil
	}

	encoded := protocol.EncodeResponse(resp)
	if d.faults.stale > 0 && d.lastResponse != nil {
		d.faults.stale--
		d.enqueue(d.lastResponse)
	}
	d.lastResponse = encoded
	d.enqueue(encoded)

	return nil
}

func (d *Device) enqueue(frame []byte) {
	select {
	case d.responses <- frame:
	default:
	}
}

// Receive implements transport.Port.
func (d *Device) Receive(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	disconnected := d.disconnected
	d.mu.Unlock()

	select {
	case frame := <-d.responses:
		return frame, nil
	case <-disconnected:
		return nil, transport.ErrDisconnected
	case <-ctx.Done():
		return nil, transport.ContextError(ctx)
	}
}

// MTU implements transport.Port.
func (d *Device) MTU() int {
	return d.cfg.MTU
}

// Close implements transport.Port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnect()
	return nil
}

// Reconnect restores the link after a reboot or Close. The session is gone.
func (d *Device) Reconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.disconnected:
		d.disconnected = make(chan struct{})
	default:
	}
	d.authenticated = false
	d.sessionKey = nil
}

func (d *Device) disconnect() {
	select {
	case <-d.disconnected:
	default:
		close(d.disconnected)
	}
}

// DropResponses silently drops the next n responses to cmd.
func (d *Device) DropResponses(cmd byte, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.drop[cmd] += n
}

// InjectStale queues a copy of the previous response ahead of the next n
// responses.
func (d *Device) InjectStale(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.stale += n
}

// CorruptDigest makes VERIFY report a wrong digest.
func (d *Device) CorruptDigest(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.corruptDigest = on
}

// IgnoreCommit makes COMMIT answer OK without switching banks.
func (d *Device) IgnoreCommit(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.ignoreCommit = on
}

// FailProgram makes PROGRAM at the given chunk address report a flash error.
func (d *Device) FailProgram(address uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.failProgramAt[address] = true
}

// Commands returns the opcodes received so far, in order.
func (d *Device) Commands() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.commands...)
}

// State returns the current OTA state.
func (d *Device) State() protocol.OTAState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Flash returns a copy of the flash contents in r.
func (d *Device) Flash(r protocol.Region) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.flash[r.Address:r.End()]...)
}

// SetFlash overwrites flash contents at address, bypassing NOR semantics.
func (d *Device) SetFlash(address uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.flash[address:], data)
}

func (d *Device) handle(frame []byte) *protocol.Response {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		resp := &protocol.Response{Status: protocol.StatusBadFrame}
		if len(frame) > 2 {
			resp.Command, resp.Seq = frame[1], frame[2]
		}
		return resp
	}

	d.commands = append(d.commands, req.Command)
	resp := &protocol.Response{Command: req.Command, Seq: req.Seq}

	if protocol.IsAuthenticated(req.Command) {
		if status := d.checkProof(req); status != protocol.StatusOK {
			resp.Status = status
			return resp
		}
	}

	switch req.Command {
	case protocol.CmdInfo:
		resp.Data = d.cfg.Info.Encode()
	case protocol.CmdOTAState:
		resp.Data = d.state.Encode()
	case protocol.CmdStatus:
		resp.Data = d.status().Encode()
	case protocol.CmdChallenge:
		d.nonce = make([]byte, protocol.NonceSize)
		_, _ = rand.Read(d.nonce)
		d.authenticated = false
		resp.Data = d.nonce
	case protocol.CmdAuthenticate:
		resp.Status, resp.Data = d.authenticate(req.Data)
	case protocol.CmdRead:
		resp.Status, resp.Data = d.read(req.Data)
	case protocol.CmdProgram:
		resp.Status = d.program(req.Data)
	case protocol.CmdErase:
		resp.Status = d.erase(req.Data)
	case protocol.CmdVerify:
		resp.Status = d.verify(req.Data)
	case protocol.CmdCommit:
		resp.Status = d.commit()
	case protocol.CmdReboot:
		d.reboot()
		return nil
	default:
		resp.Status = protocol.StatusUnsupported
	}

	return resp
}

func (d *Device) checkProof(req *protocol.Request) byte {
	if !d.authenticated {
		return protocol.StatusAuthRequired
	}

	tag, err := auth.CommandTag(d.sessionKey, req.Command, req.Data, req.Proof.Counter)
	if err != nil || tag != req.Proof.Tag {
		return protocol.StatusAuthFailed
	}
	if req.Proof.Counter <= d.lastCounter || d.seen[tag] {
		return protocol.StatusReplay
	}

	d.lastCounter = req.Proof.Counter
	d.seen[tag] = true
	return protocol.StatusOK
}

func (d *Device) authenticate(data []byte) (byte, []byte) {
	if d.nonce == nil || len(data) != protocol.NonceSize+protocol.TagSize {
		return protocol.StatusAuthFailed, nil
	}

	hostNonce := data[:protocol.NonceSize]
	expected, err := auth.HostProof(d.cfg.Key, d.nonce, hostNonce)
	if err != nil || !bytes.Equal(expected[:], data[protocol.NonceSize:]) {
		d.nonce = nil
		return protocol.StatusAuthFailed, nil
	}

	proof, _ := auth.DeviceProof(d.cfg.Key, hostNonce, d.nonce)
	key, _ := auth.SessionKey(d.cfg.Key, d.nonce, hostNonce)

	d.sessionKey = key[:]
	d.authenticated = true
	d.lastCounter = 0
	d.nonce = nil

	return protocol.StatusOK, proof[:]
}

func (d *Device) region(data []byte) (protocol.Region, byte) {
	r, err := protocol.ParseRegionData(data)
	if err != nil {
		return r, protocol.StatusInvalid
	}
	if r.Validate(d.cfg.Info.FlashSize) != nil {
		return r, protocol.StatusOutOfRange
	}
	return r, protocol.StatusOK
}

func (d *Device) read(data []byte) (byte, []byte) {
	if d.busy > 0 {
		return protocol.StatusBusy, nil
	}

	r, status := d.region(data)
	if status != protocol.StatusOK {
		return status, nil
	}
	if r.Length > uint32(d.cfg.Info.MaxChunk) {
		return protocol.StatusInvalid, nil
	}

	return protocol.StatusOK, append([]byte(nil), d.flash[r.Address:r.End()]...)
}

func (d *Device) program(data []byte) byte {
	if d.busy > 0 {
		return protocol.StatusBusy
	}

	addr, chunk, err := protocol.ParseProgramData(data)
	if err != nil || len(chunk) == 0 || len(chunk) > int(d.cfg.Info.MaxChunk) {
		return protocol.StatusInvalid
	}

	r := protocol.Region{Address: addr, Length: uint32(len(chunk))}
	if r.Validate(d.cfg.Info.FlashSize) != nil {
		return protocol.StatusOutOfRange
	}
	if d.faults.failProgramAt[addr] {
		return protocol.StatusFlashError
	}

	// NOR flash only clears bits
	for i, b := range chunk {
		d.flash[int(addr)+i] &= b
	}
	d.markPending(r)

	return protocol.StatusOK
}

func (d *Device) erase(data []byte) byte {
	if d.busy > 0 {
		return protocol.StatusBusy
	}

	r, status := d.region(data)
	if status != protocol.StatusOK {
		return status
	}

	g := d.cfg.Info.EraseGranularity
	if r.Address%g != 0 || r.Length%g != 0 {
		return protocol.StatusInvalid
	}

	for i := r.Address; uint64(i) < r.End(); i++ {
		d.flash[i] = 0xFF
	}
	d.markPending(r)
	d.startJob(nil)

	return protocol.StatusOK
}

func (d *Device) verify(data []byte) byte {
	if d.busy > 0 {
		return protocol.StatusBusy
	}

	r, status := d.region(data)
	if status != protocol.StatusOK {
		return status
	}

	sum := sha256.Sum256(d.flash[r.Address:r.End()])
	if d.faults.corruptDigest {
		sum[0] ^= 0xFF
	}
	d.startJob(sum[:])

	return protocol.StatusOK
}

func (d *Device) startJob(result []byte) {
	d.busy = d.cfg.BusyPolls
	d.result = result
	d.resultCode = protocol.StatusOK
}

func (d *Device) status() *protocol.StatusReport {
	if d.busy > 0 {
		d.busy--
		return &protocol.StatusReport{Busy: true, Code: protocol.StatusOK}
	}
	return &protocol.StatusReport{Code: d.resultCode, Result: d.result}
}

// markPending flags an update in progress when the inactive bank changes.
func (d *Device) markPending(r protocol.Region) {
	if d.bankRegion(d.state.Target()).Overlaps(r) {
		d.state.Mode |= protocol.ModePending | protocol.ModeUpdating
	}
}

func (d *Device) bankRegion(b protocol.Bank) protocol.Region {
	switch b {
	case protocol.BankA:
		return d.cfg.BankA
	case protocol.BankB:
		return d.cfg.BankB
	default:
		return protocol.Region{}
	}
}

func (d *Device) commit() byte {
	if d.busy > 0 {
		return protocol.StatusBusy
	}
	if d.faults.ignoreCommit {
		return protocol.StatusOK
	}

	d.state.Active = d.state.Target()
	d.state.Mode = 0
	d.state.BootReason = protocol.BootCommit

	return protocol.StatusOK
}

func (d *Device) reboot() {
	if d.state.BootReason != protocol.BootCommit {
		d.state.BootReason = protocol.BootSoftware
	}
	d.state.Mode &^= protocol.ModeUpdating
	d.busy = 0
	d.authenticated = false
	d.sessionKey = nil
	d.disconnect()
}
