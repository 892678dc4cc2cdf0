package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/logging"
)

// defaultSendWait is how long send listens for status lines after writing.
const defaultSendWait = 2 * time.Second

// linkOptions is extended in tests to inject a fake port.
var linkOptions []roaster.Option

func newSendCmd() *cobra.Command {
	var (
		port string
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <command> <value>",
		Short: "Send one command to the roaster and print the reported state",
		Long: `Open the serial link, send one command and print every field change
reported within --wait.

Commands: 0 status poll, 1 relay on, 2 relay off, 3 set valve percent.`,
		Example: "  roasterd send 1 8 --port /dev/ttyUSB0   # gas relay on",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("command %q is not an integer", args[0])
			}
			value, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("value %q is not an integer", args[1])
			}

			cfg, err := loadConfigOrDefault(configPath(cmd))
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Roaster.Serial.Port = port
			}
			return sendOnce(cmd, cfg, command, value, wait)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port (overrides the config file)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", defaultSendWait, "how long to print reported state after sending")
	return cmd
}

// loadConfigOrDefault loads the config file, falling back to defaults when
// the file does not exist.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// sendOnce opens the link, sends one command, prints field changes until
// wait elapses and closes the link.
func sendOnce(cmd *cobra.Command, cfg *config.Config, command, value int, wait time.Duration) error {
	var logOut io.Writer = io.Discard
	if cfg.Logging.Level == "debug" {
		logOut = cmd.ErrOrStderr()
	}
	log := logging.NewWithWriter(logOut, cfg.Logging, version)

	out := &lockedWriter{w: cmd.OutOrStdout()}
	dispatcher := roaster.NewDispatcher(roaster.DispatcherOptions{Logger: log})
	dispatcher.OnFieldChanged(func(c roaster.FieldChange) {
		fmt.Fprintf(out, "%s = %d\n", c.Name, c.Value)
	})

	opts := append([]roaster.Option{roaster.WithLogger(log)}, linkOptions...)
	link, err := roaster.Open(linkConfig(cfg.Roaster), dispatcher, opts...)
	if err != nil {
		return err
	}
	defer link.Close() //nolint:errcheck // Close errors are logged by the link

	link.Start(cmd.Context())

	if err := link.SubmitCommand(command, value); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %d,%d to %s\n", command, value, link.Port())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-link.Done():
		return errors.New("serial link lost")
	case <-cmd.Context().Done():
	}
	return nil
}

// lockedWriter serializes writes from the drain goroutine and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
