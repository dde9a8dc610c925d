// Command coauthord is the daemon process that hosts an authoring
// session and synchronizes it out to connecting peers.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/n1/coauthor/internal/buffer"
	"github.com/n1/coauthor/internal/log"
	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/session"
	"github.com/n1/coauthor/internal/textsync"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const (
	// DefaultListenAddress is the default address coauthord listens on.
	DefaultListenAddress = ":7902"
	// DefaultPIDFile is the default path for the coauthord PID file.
	DefaultPIDFile = "~/.local/share/coauthor/coauthord.pid"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	ListenAddress string
	PIDFile       string
	LogLevel      string
	SeedContent   string
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddress: DefaultListenAddress,
		PIDFile:       expandPath(DefaultPIDFile),
		LogLevel:      "info",
	}
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func writePIDFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func runDaemon(config Config) error {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		log.SetLevel(zerolog.InfoLevel)
		log.Error().Err(err).Str("level", config.LogLevel).Msg("invalid log level, defaulting to info")
	} else {
		log.SetLevel(level)
	}

	config.PIDFile = expandPath(config.PIDFile)
	if err := writePIDFile(config.PIDFile); err != nil {
		log.Error().Err(err).Str("path", config.PIDFile).Msg("failed to write PID file")
	} else {
		defer func() {
			if err := removePIDFile(config.PIDFile); err != nil {
				log.Error().Err(err).Msg("failed to remove PID file on exit")
			}
		}()
	}

	manager := netio.NewManager()
	authoring := session.NewBuilder().
		WithManager(manager).
		WithBuffer(buffer.New(config.SeedContent)).
		WithCodec(textsync.New()).
		Build()

	authoring.OnSyncComplete(func(conn *netio.Connection) {
		log.Info().Uint64("conn", conn.ID()).Str("remote_addr", conn.RemoteAddr()).Msg("peer synchronized")
	})
	authoring.OnSyncFailed(func(conn *netio.Connection, err error) {
		log.Warn().Uint64("conn", conn.ID()).Err(err).Msg("peer synchronization failed")
	})

	listener, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.ListenAddress, err)
	}
	log.Info().Str("address", listener.Addr().String()).Msg("coauthord listening")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info().Msg("listener closed, accept loop stopping")
				return nil
			}
			log.Error().Err(err).Msg("accept failed")
			continue
		}
		go acceptPeer(authoring, conn)
	}
}

// acceptPeer registers conn for an outbound sync of the authoring
// session: every new connection is assumed to want a full clone, per
// the daemon's sole role of hosting one document for many readers.
func acceptPeer(authoring *session.Session, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	peerLog := log.Logger.With().Str("remote_addr", remoteAddr).Logger()
	peerLog.Info().Msg("peer connected")

	peerConn := netio.NewConnection(conn, remoteAddr)

	if _, err := authoring.SynchronizeTo(peerConn, netio.RootIdentifier); err != nil {
		peerLog.Error().Err(err).Msg("failed to start outbound synchronization")
		authoring.Manager().CloseConnection(peerConn)
	}
}

func main() {
	config := DefaultConfig()

	app := &cli.App{
		Name:  "coauthord",
		Usage: "collaborative session synchronization daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Aliases:     []string{"l"},
				Usage:       "address to listen on",
				Value:       config.ListenAddress,
				Destination: &config.ListenAddress,
			},
			&cli.StringFlag{
				Name:        "pid-file",
				Aliases:     []string{"p"},
				Usage:       "path to the PID file",
				Value:       config.PIDFile,
				Destination: &config.PIDFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "logging level (debug, info, warn, error)",
				Value:       "info",
				Destination: &config.LogLevel,
			},
			&cli.StringFlag{
				Name:        "seed",
				Usage:       "initial document content",
				Destination: &config.SeedContent,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("verbose") {
				config.LogLevel = "debug"
			}
			return runDaemon(config)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
