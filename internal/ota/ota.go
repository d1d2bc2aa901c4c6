// Package ota sequences a complete A/B firmware update: probe, erase, write,
// verify, commit and reboot.
package ota

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/autoota-flasher/internal/flasher"
	"github.com/bigbag/autoota-flasher/internal/protocol"
)

// Phase is the position of an update run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInfoQueried
	PhaseTargetSelected
	PhaseErased
	PhaseWritten
	PhaseVerified
	PhaseCommitted
	PhaseRebooted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInfoQueried:
		return "info-queried"
	case PhaseTargetSelected:
		return "target-selected"
	case PhaseErased:
		return "erased"
	case PhaseWritten:
		return "written"
	case PhaseVerified:
		return "verified"
	case PhaseCommitted:
		return "committed"
	case PhaseRebooted:
		return "rebooted"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Step names the action that leads into the phase.
func (p Phase) Step() string {
	switch p {
	case PhaseInfoQueried:
		return "probe"
	case PhaseTargetSelected:
		return "target selection"
	case PhaseErased:
		return "erase"
	case PhaseWritten:
		return "write"
	case PhaseVerified:
		return "verify"
	case PhaseCommitted:
		return "commit"
	case PhaseRebooted:
		return "reboot"
	default:
		return p.String()
	}
}

// Device is the flash engine the updater drives. *flasher.Client implements
// it.
type Device interface {
	Authenticate(ctx context.Context) error
	DeviceInfo(ctx context.Context) (*protocol.DeviceInfo, error)
	OTAState(ctx context.Context) (*protocol.OTAState, error)
	Erase(ctx context.Context, region protocol.Region, sink flasher.Sink) (protocol.Region, error)
	Write(ctx context.Context, region protocol.Region, data []byte, sink flasher.Sink) error
	Verify(ctx context.Context, region protocol.Region, expected []byte, sink flasher.Sink) error
	Commit(ctx context.Context) error
	Reboot(ctx context.Context) error
}

// Report summarizes a successful run.
type Report struct {
	Previous protocol.Bank
	Target   protocol.Bank
	Region   protocol.Region
	Erased   protocol.Region
	Digest   []byte
	State    *protocol.OTAState
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(u *Updater) {
		u.log = log
	}
}

// WithPhaseHook is called on every phase change, including Aborted.
func WithPhaseHook(hook func(Phase)) Option {
	return func(u *Updater) {
		u.hook = hook
	}
}

// WithProgress receives byte progress of erase, write and verify.
func WithProgress(fn func(phase Phase, done, total int64)) Option {
	return func(u *Updater) {
		u.progress = fn
	}
}

// Updater runs updates against one device. Only one run may be active.
type Updater struct {
	dev      Device
	layout   Layout
	log      logrus.FieldLogger
	hook     func(Phase)
	progress func(phase Phase, done, total int64)

	running sync.Mutex
	phase   Phase
}

// New creates an updater for the device and bank layout.
func New(dev Device, layout Layout, opts ...Option) *Updater {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	u := &Updater{
		dev:    dev,
		layout: layout,
		log:    discard,
	}
	for _, opt := range opts {
		opt(u)
	}

	return u
}

// Phase returns the phase of the current or last run.
func (u *Updater) Phase() Phase {
	return u.phase
}

func (u *Updater) enter(p Phase) {
	u.phase = p
	u.log.WithField("phase", p.String()).Debug("phase")
	if u.hook != nil {
		u.hook(p)
	}
}

func (u *Updater) sink(p Phase) flasher.Sink {
	return flasher.ProgressFunc(func(done, total int64) {
		if u.progress != nil {
			u.progress(p, done, total)
		}
	})
}

// run tracks what the error path needs to know.
type run struct {
	bank      protocol.Bank
	region    protocol.Region
	committed bool
}

func (u *Updater) fail(r *run, step Phase, err error) error {
	u.log.WithError(err).WithField("step", step.Step()).Error("update aborted")
	u.enter(PhaseAborted)

	return &RunError{
		Phase:          step,
		Bank:           r.bank,
		Region:         r.region,
		BankUnaffected: !r.committed,
		Uncertain:      r.committed,
		Err:            err,
	}
}

// Run writes the image for the inactive bank, verifies it, switches the
// device to it and reboots. Until commit the active bank is never touched.
func (u *Updater) Run(ctx context.Context, images Images) (*Report, error) {
	if !u.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer u.running.Unlock()

	r := &run{}
	u.enter(PhaseIdle)

	if err := u.dev.Authenticate(ctx); err != nil {
		return nil, u.fail(r, PhaseInfoQueried, err)
	}

	info, err := u.dev.DeviceInfo(ctx)
	if err != nil {
		return nil, u.fail(r, PhaseInfoQueried, err)
	}

	before, err := u.dev.OTAState(ctx)
	if err != nil {
		return nil, u.fail(r, PhaseInfoQueried, err)
	}
	if before.Pending() {
		u.log.Warn("previous update was never committed, overwriting it")
	}
	u.enter(PhaseInfoQueried)

	if before.Active == protocol.BankUnknown {
		return nil, u.fail(r, PhaseTargetSelected, ErrUnknownBank)
	}
	r.bank = before.Target()

	if err := u.layout.Validate(info); err != nil {
		return nil, u.fail(r, PhaseTargetSelected, err)
	}

	image := images.For(r.bank)
	if len(image) == 0 {
		return nil, u.fail(r, PhaseTargetSelected, fmt.Errorf("bank %s: %w", r.bank, ErrNoImage))
	}

	bank := u.layout.Region(r.bank)
	if uint64(len(image)) > uint64(bank.Length) {
		return nil, u.fail(r, PhaseTargetSelected,
			fmt.Errorf("%d bytes for bank %s of %d bytes: %w", len(image), r.bank, bank.Length, ErrImageTooLarge))
	}
	r.region = protocol.Region{Address: bank.Address, Length: uint32(len(image))}

	u.log.WithFields(logrus.Fields{
		"active": before.Active.String(),
		"target": r.bank.String(),
		"region": r.region.String(),
	}).Info("target selected")
	u.enter(PhaseTargetSelected)

	erased, err := u.dev.Erase(ctx, r.region, u.sink(PhaseErased))
	if err != nil {
		return nil, u.fail(r, PhaseErased, err)
	}
	u.enter(PhaseErased)

	if err := u.dev.Write(ctx, r.region, image, u.sink(PhaseWritten)); err != nil {
		return nil, u.fail(r, PhaseWritten, err)
	}
	u.enter(PhaseWritten)

	digest := sha256.Sum256(image)
	if err := u.dev.Verify(ctx, r.region, digest[:], u.sink(PhaseVerified)); err != nil {
		return nil, u.fail(r, PhaseVerified, err)
	}
	u.enter(PhaseVerified)

	// From here on the active bank may already have changed.
	r.committed = true

	if err := u.dev.Commit(ctx); err != nil {
		return nil, u.fail(r, PhaseCommitted, err)
	}

	after, err := u.dev.OTAState(ctx)
	if err != nil {
		return nil, u.fail(r, PhaseCommitted, err)
	}
	if after.Active != r.bank {
		return nil, u.fail(r, PhaseCommitted,
			fmt.Errorf("active bank %s after commit, want %s: %w", after.Active, r.bank, ErrCommitNotApplied))
	}
	u.enter(PhaseCommitted)

	if err := u.dev.Reboot(ctx); err != nil {
		return nil, u.fail(r, PhaseRebooted, err)
	}
	u.enter(PhaseRebooted)

	return &Report{
		Previous: before.Active,
		Target:   r.bank,
		Region:   r.region,
		Erased:   erased,
		Digest:   digest[:],
		State:    after,
	}, nil
}
