package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/kabili207/sensorlink/core/codec"
	"github.com/kabili207/sensorlink/device/connection"
	"github.com/kabili207/sensorlink/device/link"
	"github.com/kabili207/sensorlink/device/retrieval"
)

var errMultiplierUsage = errors.New("usage: mult VALUE")

// newShell builds the interactive console. Commands stage onto the worker
// and take effect at its next transmit slot.
func newShell(w *link.Worker, tracker *retrieval.Tracker, watchdog *connection.Manager) *ishell.Shell {
	sh := ishell.New()
	sh.SetPrompt(w.Name() + " > ")

	sh.AddCmd(&ishell.Cmd{
		Name: "test",
		Help: "send the test command",
		Func: func(c *ishell.Context) {
			w.Stage(codec.FlagTest, 0)
			c.Println("staged test")
		},
	})
	sh.AddCmd(&ishell.Cmd{
		Name:    "mult",
		Aliases: []string{"multiplier"},
		Help:    "VALUE  set the sensor multiplier",
		Func: func(c *ishell.Context) {
			value, err := parseMultiplier(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			w.Stage(codec.FlagMultiplier, value)
			c.Printf("staged multiplier(%d)\n", value)
		},
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "clear",
		Help: "drop the staged command",
		Func: func(c *ishell.Context) {
			w.Stage(0, 0)
			c.Println("cleared")
		},
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show link state and counters",
		Func: func(c *ishell.Context) {
			c.Print(formatStatus(w.Status(), watchdog.IsLive(w.Name()), w.Counters(), tracker.PendingCount()))
		},
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "zero the link counters",
		Func: func(c *ishell.Context) {
			w.ResetCounters()
			c.Println("counters reset")
		},
	})

	return sh
}

func parseMultiplier(args []string) (uint32, error) {
	if len(args) != 1 {
		return 0, errMultiplierUsage
	}
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errMultiplierUsage, err)
	}
	return uint32(v), nil
}

// formatStatus renders the status command. live is the watchdog's view of
// whether frames are still arriving.
func formatStatus(st link.Status, live bool, c link.CountersSnapshot, pendingRetrievals int) string {
	var b strings.Builder

	conn := "disconnected"
	if st.Connected {
		conn = "connected"
	}
	fmt.Fprintf(&b, "link:       %s (%s, %s)\n", st.Name, conn, st.Session.State)
	if st.Connected {
		activity := "silent"
		if live {
			activity = "receiving"
		}
		fmt.Fprintf(&b, "activity:   %s\n", activity)
	}
	fmt.Fprintf(&b, "sample:     %d", st.Session.PastSample)
	if st.Session.Recovered {
		b.WriteString(" (recovered)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "retries:    %d\n", st.Session.Retries)

	staged := "none"
	if st.Staged != nil {
		staged = st.Staged.String()
	}
	fmt.Fprintf(&b, "staged:     %s\n", staged)
	fmt.Fprintf(&b, "frames:     %d accepted, %d recovered\n", c.FramesAccepted, c.FramesRecovered)
	fmt.Fprintf(&b, "errors:     %d checksum, %d malformed, %d truncated\n",
		c.ChecksumErrors, c.MalformedFrames, c.TruncatedFrames)
	fmt.Fprintf(&b, "recovery:   %d requests, %d pending, %d resyncs\n",
		c.RetrievalRequests, pendingRetrievals, c.Resyncs)
	fmt.Fprintf(&b, "commands:   %d sent\n", c.CommandsSent)
	fmt.Fprintf(&b, "reconnects: %d\n", c.Reconnects)
	return b.String()
}
