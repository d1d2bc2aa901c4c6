package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/autoota-flasher/internal/ble"
	"github.com/bigbag/autoota-flasher/internal/flasher"
	"github.com/bigbag/autoota-flasher/internal/ota"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	nameFlag       string
	macFlag        string
	portFlag       string
	baudFlag       int
	aesKeyFlag     string
	writeNoRspFlag bool
	configFlag     string
	verboseFlag    bool
	addressFlag    uint32
	lengthFlag     uint32
	fileFlag       string
	bankAFlag      string
	bankBFlag      string
	timeoutFlag    time.Duration
	serialFlag     bool
)

var logger = logrus.New()

// Exit codes
const (
	exitOK = iota
	exitFailure
	exitConnection
	exitAuthentication
	exitFlash
	exitCommitUncertain
)

var errUsage = errors.New("usage")

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoota-flasher",
		Short: "Update firmware on AutoOTA devices over BLE or serial",
		Long: `AutoOTA Flasher updates firmware on A/B bank devices.

The new image is written to the inactive bank, verified with SHA-256 and
only then committed. A failed update leaves the running firmware untouched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Device profile YAML (embedded default if not specified)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info and OTA state",
		RunE:  runInfo,
	}
	devinfoCmd := &cobra.Command{
		Use:   "devinfo",
		Short: "Show device info only",
		Long:  "Show the protocol device info and, over BLE, the Device Information Service.",
		RunE:  runDevinfo,
	}
	otainfoCmd := &cobra.Command{
		Use:   "otainfo",
		Short: "Show OTA state only",
		RunE:  runOTAInfo,
	}

	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read flash memory",
		Long:  "Read flash memory into --file, or print a hex view when no file is given.",
		RunE:  runRead,
	}
	readCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Output file (must not exist)")
	addRegionFlags(readCmd, true)

	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Write flash memory from a file",
		RunE:  runWrite,
	}
	writeCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Input file")
	_ = writeCmd.MarkFlagRequired("file")
	addRegionFlags(writeCmd, false)

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash memory",
		Long:  "Erase flash memory. The region grows to whole erase sectors.",
		RunE:  runErase,
	}
	addRegionFlags(eraseCmd, true)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare flash against a file with SHA-256",
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Reference file")
	_ = verifyCmd.MarkFlagRequired("file")
	addRegionFlags(verifyCmd, false)

	rebootCmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot the device",
		RunE:  runReboot,
	}
	commitCmd := &cobra.Command{
		Use:   "commit",
		Short: "Switch the device to the inactive bank",
		RunE:  runCommit,
	}

	flashCmd := &cobra.Command{
		Use:   "flash",
		Short: "Run a full A/B update",
		Long: `Run a full A/B update: info, erase, write, verify, commit and reboot.

The image for the inactive bank is chosen from --bank-a and --bank-b.`,
		RunE: runFlash,
	}
	flashCmd.Flags().StringVar(&bankAFlag, "bank-a", "", "Image linked for bank A")
	flashCmd.Flags().StringVar(&bankBFlag, "bank-b", "", "Image linked for bank B")
	_ = flashCmd.MarkFlagRequired("bank-a")
	_ = flashCmd.MarkFlagRequired("bank-b")

	for _, cmd := range []*cobra.Command{infoCmd, devinfoCmd, otainfoCmd, readCmd, writeCmd, eraseCmd, verifyCmd, rebootCmd, commitCmd, flashCmd} {
		addConnectionFlags(cmd)
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for devices",
		Long:  "Scan for BLE devices, or probe every serial port with --serial.",
		RunE:  runScan,
	}
	scanCmd.Flags().DurationVarP(&timeoutFlag, "timeout", "t", 10*time.Second, "Scan duration")
	scanCmd.Flags().BoolVar(&serialFlag, "serial", false, "Probe serial ports instead of BLE")
	scanCmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (profile default if not specified)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autoota-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(infoCmd, devinfoCmd, otainfoCmd, readCmd, writeCmd, eraseCmd,
		verifyCmd, rebootCmd, commitCmd, flashCmd, scanCmd, listCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		logger.Error(err)
		os.Exit(exitCode(err))
	}
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&nameFlag, "name", "", "BLE advertised name")
	cmd.Flags().StringVar(&macFlag, "mac", "", "BLE address (AA:BB:CC:DD:EE:FF)")
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (\"auto\" probes every port)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (profile default if not specified)")
	cmd.Flags().StringVar(&aesKeyFlag, "aes-key", "", "AES-CMAC key (32 hex characters)")
	cmd.Flags().BoolVar(&writeNoRspFlag, "write-no-rsp", false, "BLE writes without response (faster, less reliable)")
	cmd.MarkFlagsMutuallyExclusive("name", "mac", "port")
	cmd.MarkFlagsOneRequired("name", "mac", "port")
}

func addRegionFlags(cmd *cobra.Command, lengthRequired bool) {
	cmd.Flags().Uint32VarP(&addressFlag, "address", "a", 0, "Start address (hex or decimal)")
	_ = cmd.MarkFlagRequired("address")

	usage := "Length in bytes (hex or decimal)"
	if !lengthRequired {
		usage = "Limit to the first bytes of the file (hex or decimal)"
	}
	cmd.Flags().Uint32VarP(&lengthFlag, "length", "l", 0, usage)
	if lengthRequired {
		_ = cmd.MarkFlagRequired("length")
	}
}

func setupLogger() {
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)
	if verboseFlag {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ota.ErrCommitUncertain):
		return exitCommitUncertain
	case errors.Is(err, errUsage):
		return exitFailure
	case errors.Is(err, errConnect), errors.Is(err, ble.ErrNotFound):
		return exitConnection
	}

	switch flasher.KindOf(err) {
	case flasher.KindTransport:
		return exitConnection
	case flasher.KindAuthentication:
		return exitAuthentication
	case flasher.KindProtocol, flasher.KindValidation, flasher.KindIntegrity:
		return exitFlash
	default:
		return exitFailure
	}
}
