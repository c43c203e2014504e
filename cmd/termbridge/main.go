package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/termbridge/termbridge/internal/client"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/daemon"
	"github.com/termbridge/termbridge/internal/logging"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "termbridge",
	Short:   "Browser-accessible shell multiplexer",
	Version: version,
	Long: `termbridge hosts many concurrent interactive shell sessions inside
pseudo-terminals and bridges them to web clients over a websocket message
channel.

Example:
  termbridge serve                        # run the daemon in the foreground
  termbridge attach <host:port> new       # attach a fresh shell
  termbridge monitor <host:port>          # poll live sessions`,
}

var (
	flagHost               string
	flagContentServerPort  int
	flagMessageChannelPort int
	flagShell              string
	flagNoRateLimit        bool
	flagLogLevel           string
	flagLogJSON            bool
	flagDetach             bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	RunE:  runServe,
}

var attachCmd = &cobra.Command{
	Use:   "attach <host:port> [sessionID|new]",
	Short: "Attach a terminal to a session over the message channel",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runAttach,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <host:port>",
	Short: "Poll live sessions over the management channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runMonitor,
}

var killCmd = &cobra.Command{
	Use:   "kill <host:port> <sessionID>",
	Short: "Terminate a live session over the management channel",
	Args:  cobra.ExactArgs(2),
	RunE:  runKill,
}

var flagAccessKey string
var flagWatch bool
var flagWatchInterval time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(killCmd)

	serveCmd.Flags().StringVarP(&flagHost, "host", "i", config.DefaultHost, "bind address")
	serveCmd.Flags().IntVarP(&flagContentServerPort, "content-port", "p", config.DefaultContentServerPort, "content-server port")
	serveCmd.Flags().IntVarP(&flagMessageChannelPort, "ws-port", "w", config.DefaultMessageChannelPort, "message-channel port")
	serveCmd.Flags().StringVarP(&flagShell, "shell", "s", "", "shell to run (default: $SHELL)")
	serveCmd.Flags().BoolVar(&flagNoRateLimit, "no-rate-limit", false, "disable the per-IP connection limiter")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn, or error")
	serveCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit structured JSON logs")
	serveCmd.Flags().BoolVarP(&flagDetach, "detach", "d", false, "fork into the background and exit")

	monitorCmd.Flags().BoolVar(&flagWatch, "watch", false, "keep polling and re-render on every session change")
	monitorCmd.Flags().DurationVar(&flagWatchInterval, "interval", 2*time.Second, "self-poll interval when --watch is set")

	for _, cmd := range []*cobra.Command{attachCmd, monitorCmd, killCmd} {
		cmd.Flags().StringVar(&flagAccessKey, "access-key", "", "access key (normally embedded by the content server)")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagDetach {
		return forkDetached(cmd)
	}

	switch flagLogLevel {
	case "debug":
		logging.SetLevel(logging.LevelDebug)
	case "warn":
		logging.SetLevel(logging.LevelWarn)
	case "error":
		logging.SetLevel(logging.LevelError)
	default:
		logging.SetLevel(logging.LevelInfo)
	}
	logging.SetJSON(flagLogJSON)

	cfg := config.Default()
	cfg.Host = flagHost
	cfg.ContentServerPort = flagContentServerPort
	cfg.MessageChannelPort = flagMessageChannelPort
	cfg.Shell = flagShell
	cfg.RateLimitEnabled = !flagNoRateLimit
	cfg.LogLevel = flagLogLevel
	cfg.LogJSON = flagLogJSON

	d := daemon.New(cfg, logging.WithComponent("daemon"))
	return d.Start()
}

// forkDetached re-execs `serve` without --detach in a new session so the
// foreground caller can return immediately while the daemon keeps running.
func forkDetached(cmd *cobra.Command) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve"}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "detach" {
			return
		}
		args = append(args, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})

	child := exec.Command(executable, args...)
	setSysProcAttr(child)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start background daemon: %w", err)
	}
	fmt.Printf("daemon started in background (PID %d)\n", child.Process.Pid)
	return nil
}

func runAttach(cmd *cobra.Command, args []string) error {
	host := args[0]
	sessionID := "new"
	if len(args) == 2 {
		sessionID = args[1]
	}

	key := flagAccessKey
	if key == "" {
		return fmt.Errorf("an --access-key is required (normally embedded by the content server into the terminal page)")
	}

	wsURL := fmt.Sprintf("ws://%s/term", host)
	return client.Attach(wsURL, key, sessionID, func(greeting string) {
		fmt.Fprintf(os.Stderr, "attached to session %s\r\n", greeting)
	})
}

func runMonitor(cmd *cobra.Command, args []string) error {
	host := args[0]
	key := flagAccessKey
	if key == "" {
		return fmt.Errorf("an --access-key is required (normally embedded by the content server into the manage page)")
	}

	wsURL := fmt.Sprintf("ws://%s/manage", host)
	if flagWatch {
		return client.Watch(wsURL, key, os.Stdout, flagWatchInterval)
	}
	return client.Monitor(wsURL, key, os.Stdout)
}

func runKill(cmd *cobra.Command, args []string) error {
	host := args[0]
	sessionID := args[1]
	key := flagAccessKey
	if key == "" {
		return fmt.Errorf("an --access-key is required (normally embedded by the content server into the manage page)")
	}

	wsURL := fmt.Sprintf("ws://%s/manage", host)
	resp, err := client.Kill(wsURL, key, sessionID)
	if err != nil {
		return err
	}
	if resp.Result != "success" {
		return fmt.Errorf("%s", resp.Message)
	}
	fmt.Printf("killed %s\n", resp.SessionID)
	return nil
}
