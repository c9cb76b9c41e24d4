// Command companionctl exercises the companion protocol core against a
// simulated car over an in-memory transport.
//
// This command demonstrates the complete phone-side flow:
//   - Association scanning and pairing-code confirmation
//   - Encrypted messaging over the secured channel
//   - Anonymized reconnection
//   - Car registry management (list, rename, dissociate)
//
// Usage:
//
//	companionctl [flags]
//
// Flags:
//
//	-config string       Configuration file path (YAML overlay)
//	-state string        Secret store path (default in-memory)
//	-security int        Simulated car security version 1..4 (default 4)
//	-oob                 Provision an out-of-band token on both sides
//	-log-level string    Log level: debug, info, warn, error (default "info")
//	-protocol-log string Write protocol events to this .clog file
//
// Interactive Commands:
//
//	scan            - Scan for the simulated car and associate
//	accept          - Accept the displayed pairing code
//	reject          - Reject the displayed pairing code
//	cars            - List associated cars
//	rename <n>      - Rename the associated car
//	send <text>     - Send an encrypted message to the car
//	reconnect       - Drop the link and reconnect from the advertisement
//	dissociate      - Remove the associated car
//	status          - Show manager status
//	quit            - Exit
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/companion-protocol/companion-go/internal/fakes"
	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/config"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/manager"
	"github.com/companion-protocol/companion-go/pkg/oob"
)

func main() {
	var (
		configPath   = flag.String("config", "", "configuration file path")
		statePath    = flag.String("state", "", "secret store path (default in-memory)")
		security     = flag.Int("security", 4, "simulated car security version 1..4")
		useOOB       = flag.Bool("oob", false, "provision an out-of-band token on both sides")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		protocolPath = flag.String("protocol-log", "", "write protocol events to this .clog file")
	)
	flag.Parse()

	if err := run(*configPath, *statePath, *security, *useOOB, *logLevel, *protocolPath); err != nil {
		fmt.Fprintf(os.Stderr, "companionctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, statePath string, security int, useOOB bool, logLevel, protocolPath string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	overlay, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var store keystore.Store
	if statePath != "" {
		fileStore, err := keystore.NewFileStore(statePath)
		if err != nil {
			return err
		}
		store = fileStore
	} else {
		store = keystore.NewMemoryStore()
	}

	var protocolLogger log.Logger = log.NoopLogger{}
	if protocolPath != "" {
		fileLogger, err := log.NewFileLogger(protocolPath)
		if err != nil {
			return err
		}
		defer fileLogger.Close()
		protocolLogger = fileLogger
	}

	queue := dispatch.NewQueue()
	defer queue.Stop()

	central := fakes.NewCentral(queue)

	var tokenProvider oob.TokenProvider
	var carToken *oob.Token
	if useOOB {
		carToken = fakes.NewTestOOBToken()
		passive := oob.NewPassiveProvider()
		passive.PostToken(carToken)
		tokenProvider = passive
	}

	session := newSession(sessionConfig{
		queue:          queue,
		central:        central,
		store:          store,
		overlay:        overlay,
		logger:         logger,
		protocolLogger: protocolLogger,
	})

	mgr := manager.New(manager.Config{
		Central:         central,
		Queue:           queue,
		Store:           store,
		Handshake:       fakes.NewHandshakeProvider(),
		TokenProvider:   tokenProvider,
		FeatureProvider: channel.NewSystemQueryFeatureProvider(),
		Overlay:         overlay,
		Callbacks:       session.callbacks(),
		MobileOS:        "gophone",
		DeviceName:      "companionctl",
		Logger:          logger,
		ProtocolLogger:  protocolLogger,
	})
	central.SetDelegate(mgr)
	session.mgr = mgr

	car := fakes.NewCar(central, fakes.CarConfig{
		Overlay:           overlay,
		SecurityVersion:   uint8(security),
		Token:             carToken,
		AutoConfirmVisual: true,
	})
	session.car = car

	central.SetPower(true)

	fmt.Printf("Simulated car ready (security v%d). Type 'help' for commands.\n", security)
	session.runLoop()
	return nil
}

// newLogger builds the operational logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
