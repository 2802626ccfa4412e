// Command bgxctl brings up a BGx modem over a real spidev/gpiochip pair
// and holds the link open until interrupted, logging URC-driven events
// as they arrive. It is a bring-up and smoke-test tool, not a shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loouq/bgxcore"
	"github.com/loouq/bgxcore/internal/hostspi"
	"github.com/loouq/bgxcore/internal/logging"
)

func main() {
	var (
		spiDevice  = flag.String("spi", "/dev/spidev0.0", "spidev character device for the bridge")
		gpioChip   = flag.String("gpiochip", "/dev/gpiochip0", "gpio-cdev character device for IRQ/reset lines")
		speedHz    = flag.Uint("speed", 1_000_000, "SPI clock speed in Hz")
		irqPin     = flag.Int("irq-pin", 17, "GPIO line offset wired to the bridge's IRQ output")
		resetPin   = flag.Int("reset-pin", 0, "GPIO line offset wired to the modem's reset input (0 disables Reset)")
		dataCtx    = flag.Int("pdp-context", 1, "PDP context id sockets are opened against")
		verbose    = flag.Bool("v", false, "verbose (debug) logging")
		pollMillis = flag.Uint("poll-ms", 5, "foreground DoWork poll interval")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	spi, err := hostspi.OpenSPI(hostspi.SPIConfig{Device: *spiDevice, SpeedHz: uint32(*speedHz)})
	if err != nil {
		logger.Error("failed to open spidev", "device", *spiDevice, "error", err)
		os.Exit(1)
	}
	defer spi.Close()

	chip, err := hostspi.OpenGPIOChip(*gpioChip)
	if err != nil {
		logger.Error("failed to open gpiochip", "device", *gpioChip, "error", err)
		os.Exit(1)
	}
	defer chip.Close()

	clock := hostspi.NewMonotonicClock()

	notify := func(ev bgxcore.Event) {
		switch ev.Kind {
		case bgxcore.EventAppReady:
			logger.Info("modem signaled APP RDY")
		case bgxcore.EventPDPDeactivated:
			logger.Warn("PDP context deactivated", "ctx", ev.CtxID)
		case bgxcore.EventLocalError:
			logger.Error("local error", "error", ev.Err)
		}
	}

	modem, err := bgxcore.Create(bgxcore.Config{
		GPIO:  chip,
		SPI:   spi,
		Clock: clock,
		Pins: bgxcore.PinConfig{
			IRQPin:   *irqPin,
			ResetPin: *resetPin,
		},
		Logger:      logger,
		DataContext: *dataCtx,
	}, notify)
	if err != nil {
		logger.Error("failed to create modem", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("waiting for modem bring-up", "timeout", "30s")
	if err := modem.Start(ctx); err != nil {
		logger.Error("modem did not come up", "error", err)
		os.Exit(1)
	}
	logger.Info("modem is up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(*pollMillis) * time.Millisecond)
	defer ticker.Stop()

	fmt.Println("bgxctl: modem is up, press Ctrl+C to stop")
loop:
	for {
		select {
		case <-sigCh:
			break loop
		case <-ticker.C:
			modem.DoWork()
		}
	}

	logger.Info("shutting down")
	modem.Stop()

	snap := modem.MetricsSnapshot()
	fmt.Printf("actions invoked: %d, success: %d, error: %d, timeout: %d\n",
		snap.ActionsInvoked, snap.ActionSuccess, snap.ActionError, snap.ActionTimeout)
}
