// Command coauthorctl dials a coauthord daemon, clones its document
// session, and prints the resulting user table and buffer contents.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/n1/coauthor/internal/buffer"
	"github.com/n1/coauthor/internal/log"
	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/session"
	"github.com/n1/coauthor/internal/textsync"
	"github.com/n1/coauthor/internal/user"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func runSync(address string, timeout time.Duration, verbose bool) error {
	if verbose {
		log.SetLevel(zerolog.DebugLevel)
	} else {
		log.SetLevel(zerolog.WarnLevel)
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}

	manager := netio.NewManager()
	sourceConn := netio.NewConnection(conn, address)

	done := make(chan error, 1)

	clone := session.NewBuilder().
		WithManager(manager).
		WithBuffer(buffer.New("")).
		WithCodec(textsync.New()).
		WithSyncSource(sourceConn, netio.RootIdentifier).
		Build()

	clone.OnSyncProgress(func(c *netio.Connection, ratio float64) {
		log.Debug().Float64("ratio", ratio).Msg("synchronizing")
	})
	clone.OnSyncComplete(func(c *netio.Connection) {
		done <- nil
	})
	clone.OnSyncFailed(func(c *netio.Connection, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("synchronization failed: %w", err)
		}
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for synchronization to complete")
	}

	fmt.Println("Users:")
	clone.ForEachUser(func(u user.User) bool {
		fmt.Printf("  #%d %s\n", u.ID(), u.Name())
		return true
	})

	fmt.Println("Document:")
	fmt.Println(clone.Buffer().(*buffer.Buffer).Snapshot())

	return nil
}

func main() {
	app := &cli.App{
		Name:  "coauthorctl",
		Usage: "clone a coauthord session and print its state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "address of the coauthord daemon to connect to",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "connection and synchronization timeout",
				Value: netio.DefaultConfig().DialTimeout,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			return runSync(c.String("address"), c.Duration("timeout"), c.Bool("verbose"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
