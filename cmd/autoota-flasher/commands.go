package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/autoota-flasher/internal/ble"
	"github.com/bigbag/autoota-flasher/internal/detect"
	"github.com/bigbag/autoota-flasher/internal/flasher"
	"github.com/bigbag/autoota-flasher/internal/ota"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/serial"
)

func size(n uint32) string {
	return bytefmt.ByteSize(uint64(n))
}

// progressSink renders progress reports on a bar created with the first
// report.
func progressSink(description string) (flasher.Sink, func()) {
	var bar *progressbar.ProgressBar

	sink := flasher.ProgressFunc(func(done, total int64) {
		if bar == nil {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set64(done)
	})

	finish := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}

	return sink, finish
}

func printDeviceInfo(info *protocol.DeviceInfo) {
	fmt.Println("Device Information:")
	fmt.Printf("  Model:            %s\n", info.Model)
	fmt.Printf("  Hardware ID:      0x%08X\n", info.HardwareID)
	fmt.Printf("  Firmware:         %s\n", info.FirmwareString())
	fmt.Printf("  Protocol:         %d\n", info.ProtocolVersion)
	fmt.Printf("  Flash size:       %s (0x%X)\n", size(info.FlashSize), info.FlashSize)
	fmt.Printf("  Erase sector:     %s\n", size(info.EraseGranularity))
	fmt.Printf("  Max chunk:        %d bytes\n", info.MaxChunk)
}

func printOTAState(state *protocol.OTAState) {
	fmt.Println("Flash OTA Information:")
	fmt.Printf("  Current Flash Bank:   %s (0x%08X)\n", state.Active, state.Active.Flag())
	fmt.Printf("  Current Status Flags: %s (0x%02X)\n", state.Mode, byte(state.Mode))
	fmt.Printf("  Boot Reason:          %s (0x%02X)\n", state.BootReason, byte(state.BootReason))
	if state.Pending() {
		fmt.Println("  An update was written but not committed.")
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := connect(ctx, false, false)
	if err != nil {
		return err
	}
	defer d.close()

	info, err := d.client.DeviceInfo(ctx)
	if err != nil {
		return err
	}
	state, err := d.client.OTAState(ctx)
	if err != nil {
		return err
	}

	printDeviceInfo(info)
	printOTAState(state)
	return nil
}

func runDevinfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := connect(ctx, false, false)
	if err != nil {
		return err
	}
	defer d.close()

	d.log().Info("Reading device information...")
	info, err := d.client.DeviceInfo(ctx)
	if err != nil {
		return err
	}
	printDeviceInfo(info)

	if d.link == nil {
		return nil
	}

	dis, err := d.link.ReadDeviceInformation()
	if err != nil {
		logger.WithError(err).Warn("Device Information Service not available")
		return nil
	}
	for _, f := range dis.Fields() {
		fmt.Printf("  %-17s %s\n", f[0]+":", f[1])
	}
	return nil
}

func runOTAInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := connect(ctx, false, false)
	if err != nil {
		return err
	}
	defer d.close()

	d.log().Info("Reading OTA information...")
	state, err := d.client.OTAState(ctx)
	if err != nil {
		return err
	}
	printOTAState(state)
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	region := protocol.Region{Address: addressFlag, Length: lengthFlag}

	var out *os.File
	if fileFlag != "" {
		// O_EXCL refuses to overwrite an existing dump
		f, err := os.OpenFile(fileFlag, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		out = f
	}

	d, err := connect(ctx, true, true)
	if err != nil {
		if out != nil {
			out.Close()
			os.Remove(fileFlag)
		}
		return err
	}
	defer d.close()

	d.log().Infof("Reading %s from %s", size(region.Length), region)

	sink, finish := progressSink("Reading")
	data, err := d.client.Read(ctx, region, sink)
	finish()
	if err != nil {
		if out != nil {
			out.Close()
			os.Remove(fileFlag)
		}
		return err
	}

	if out == nil {
		return hexView(os.Stdout, region.Address, data)
	}

	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	logger.Infof("Saved %s to %s", size(region.Length), fileFlag)
	return nil
}

// readInput loads --file, limited to --length when set.
func readInput() ([]byte, error) {
	data, err := os.ReadFile(fileFlag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if lengthFlag > 0 && int(lengthFlag) < len(data) {
		data = data[:lengthFlag]
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", errUsage, fileFlag)
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := readInput()
	if err != nil {
		return err
	}
	region := protocol.Region{Address: addressFlag, Length: uint32(len(data))}

	d, err := connect(ctx, true, true)
	if err != nil {
		return err
	}
	defer d.close()

	d.log().Infof("Writing %s from %s to %s", size(region.Length), fileFlag, region)

	sink, finish := progressSink("Writing")
	err = d.client.Write(ctx, region, data, sink)
	finish()
	if err != nil {
		return err
	}

	logger.Infof("Wrote %s at 0x%08X", size(region.Length), region.Address)
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	region := protocol.Region{Address: addressFlag, Length: lengthFlag}

	d, err := connect(ctx, true, true)
	if err != nil {
		return err
	}
	defer d.close()

	d.log().Infof("Erasing %s", region)

	sink, finish := progressSink("Erasing")
	erased, err := d.client.Erase(ctx, region, sink)
	finish()
	if err != nil {
		return err
	}

	if erased != region {
		logger.Infof("Erased %s (rounded to erase sectors)", erased)
	} else {
		logger.Infof("Erased %s", erased)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := readInput()
	if err != nil {
		return err
	}
	region := protocol.Region{Address: addressFlag, Length: uint32(len(data))}
	expected := sha256.Sum256(data)

	d, err := connect(ctx, true, true)
	if err != nil {
		return err
	}
	defer d.close()

	d.log().Infof("Verifying %s against %s", region, fileFlag)

	sink, finish := progressSink("Verifying")
	err = d.client.Verify(ctx, region, expected[:], sink)
	finish()

	var mismatch *flasher.VerificationError
	if errors.As(err, &mismatch) {
		logger.Infof("Device    SHA256: %s", hex.EncodeToString(mismatch.Actual))
		logger.Infof("Localfile SHA256: %s", hex.EncodeToString(mismatch.Expected))
		return err
	}
	if err != nil {
		return err
	}

	logger.Infof("SHA256: %s", hex.EncodeToString(expected[:]))
	logger.Info("Verification successful")
	return nil
}

func runReboot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := connect(ctx, true, true)
	if err != nil {
		return err
	}
	defer d.close()

	d.log().Info("Rebooting device...")
	if err := d.client.Reboot(ctx); err != nil {
		return err
	}

	logger.Info("Reboot requested")
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := connect(ctx, true, true)
	if err != nil {
		return err
	}
	defer d.close()

	before, err := d.client.OTAState(ctx)
	if err != nil {
		return err
	}

	d.log().Infof("Committing, switching from bank %s to bank %s...", before.Active, before.Target())
	if err := d.client.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ota.ErrCommitUncertain, err)
	}

	after, err := d.client.OTAState(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ota.ErrCommitUncertain, err)
	}
	if after.Active != before.Target() {
		return fmt.Errorf("%w: %w", ota.ErrCommitUncertain, ota.ErrCommitNotApplied)
	}

	logger.Infof("Bank %s is active, reboot to start it", after.Active)
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	imageA, err := os.ReadFile(bankAFlag)
	if err != nil {
		return fmt.Errorf("%w: bank A: %w", errUsage, err)
	}
	imageB, err := os.ReadFile(bankBFlag)
	if err != nil {
		return fmt.Errorf("%w: bank B: %w", errUsage, err)
	}

	// the updater runs the handshake itself
	d, err := connect(ctx, true, false)
	if err != nil {
		return err
	}
	defer d.close()

	var finish func()
	var sink flasher.Sink
	u := ota.New(d.client, d.profile.Layout(),
		ota.WithLogger(logger),
		ota.WithPhaseHook(func(p ota.Phase) {
			if finish != nil {
				finish()
				finish = nil
			}
			d.log().WithField("phase", p.String()).Debug("Phase changed")
		}),
		ota.WithProgress(func(p ota.Phase, done, total int64) {
			if finish == nil {
				sink, finish = progressSink(p.Step())
			}
			sink.Progress(done, total)
		}),
	)

	report, err := u.Run(ctx, ota.Images{A: imageA, B: imageB})
	if finish != nil {
		finish()
	}
	if err != nil {
		return err
	}

	logger.Infof("Updated bank %s -> %s, %s at %s", report.Previous, report.Target, size(report.Region.Length), report.Region)
	logger.Infof("SHA256: %s", hex.EncodeToString(report.Digest))
	logger.Info("Device is rebooting into the new firmware")
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if serialFlag {
		profile, err := loadProfile()
		if err != nil {
			return err
		}
		baud := baudFlag
		if baud == 0 {
			baud = profile.Serial.Baud
		}

		fmt.Println("Probing serial ports...")
		devices, err := detect.ListDevices(ctx, detect.Options{
			BaudRate: baud,
			MTU:      profile.Serial.MTU,
			Client:   profile.ClientOptions(logger),
		})
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices found")
			return nil
		}
		for _, d := range devices {
			fmt.Printf("  %-20s %s  fw %s  bank %s\n", d.Port, d.Info.Model, d.Info.FirmwareString(), d.State.Active)
		}
		return nil
	}

	fmt.Printf("Scanning for %s...\n", timeoutFlag)

	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()

	found := 0
	err := ble.Scan(ctx, func(a ble.Advertisement) bool {
		marker := " "
		if a.OTA {
			marker = "*"
		}
		fmt.Printf("%s %-20s %4d dBm  %s\n", marker, a.Address, a.RSSI, a.Name)
		found++
		return true
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errConnect, err)
	}

	fmt.Printf("\n%d device(s), * marks OTA capable devices\n", found)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
