package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"callsig/internal/call"

	"github.com/pterm/pterm"
)

const commandTimeout = 30 * time.Second

// controls is the part of call.Machine the terminal drives.
type controls interface {
	StartCall(ctx context.Context, peerID string) error
	AnswerCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMute() bool
	ToggleVideo() bool
	Snapshot() call.Snapshot
}

var errQuit = errors.New("quit")

const usage = `commands:
  c <user>  call a user
  a         answer the incoming call
  r         reject the incoming call
  h         hang up
  m         toggle microphone
  v         toggle camera
  s         show status
  q         quit`

// execute runs one command line against the machine.
func execute(ctx context.Context, m controls, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch fields[0] {
	case "c", "call":
		if len(fields) != 2 {
			return fmt.Errorf("usage: c <user>")
		}
		return m.StartCall(ctx, fields[1])
	case "a", "answer":
		return m.AnswerCall(ctx)
	case "r", "reject":
		return m.RejectCall(ctx)
	case "h", "hangup":
		return m.EndCall(ctx)
	case "m", "mute":
		if m.ToggleMute() {
			pterm.Info.Println("microphone off")
		} else {
			pterm.Info.Println("microphone on")
		}
		return nil
	case "v", "video":
		if m.ToggleVideo() {
			pterm.Info.Println("camera off")
		} else {
			pterm.Info.Println("camera on")
		}
		return nil
	case "s", "status":
		pterm.Info.Println(describe(m.Snapshot()))
		return nil
	case "q", "quit":
		return errQuit
	case "help", "?":
		pterm.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// readCommands executes lines from r until quit, EOF or ctx is done.
func readCommands(ctx context.Context, m controls, r io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch err := execute(ctx, m, line); {
			case err == nil:
			case errors.Is(err, errQuit):
				return
			case errors.Is(err, call.ErrInvalidTransition):
				pterm.Warning.Println("not possible right now: " + describe(m.Snapshot()))
			default:
				pterm.Warning.Println(err.Error())
			}
		}
	}
}

// describe renders a snapshot as one status line.
func describe(s call.Snapshot) string {
	switch s.State {
	case call.StateIdle:
		return "idle"
	case call.StateCalling:
		return "calling " + s.PeerID + "..."
	case call.StateRinging:
		if s.Incoming != nil {
			return fmt.Sprintf("%s is calling (a to answer, r to reject)", s.Incoming.DisplayName)
		}
		return "ringing"
	case call.StateConnected:
		var flags []string
		if s.Muted {
			flags = append(flags, "muted")
		}
		if s.VideoOff {
			flags = append(flags, "camera off")
		}
		if !s.RemoteStream {
			flags = append(flags, "waiting for media")
		}
		out := "in call with " + s.PeerID
		if len(flags) > 0 {
			out += " (" + strings.Join(flags, ", ") + ")"
		}
		return out
	case call.StateEnded:
		return "call ended"
	default:
		return string(s.State)
	}
}

// render prints state changes as they happen.
func render(s call.Snapshot) {
	switch s.State {
	case call.StateRinging:
		pterm.Warning.Println(describe(s))
	case call.StateConnected:
		pterm.Success.Println(describe(s))
	case call.StateIdle:
		// Follows every "ended"; nothing new to say.
	default:
		pterm.Info.Println(describe(s))
	}
}

func renderNotice(n call.Notice) {
	pterm.Error.Println(n.Message())
}
