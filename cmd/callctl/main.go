// callctl is a terminal video-call client. It logs in to the signaling API,
// waits for incoming calls or places one, and takes single-letter commands
// for answering, rejecting, muting and hanging up.
//
// Media comes from optional Ogg/Opus and IVF/VP8 files standing in for the
// microphone and camera.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	ossignal "os/signal"
	"strings"

	"callsig/internal/apiclient"
	"callsig/internal/call"
	"callsig/internal/peer"

	"github.com/pterm/pterm"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	apiURL := flag.String("api", "http://localhost:8080", "Signaling API base URL")
	userID := flag.String("user", "", "User id to log in as")
	callee := flag.String("call", "", "Call this user right away")
	audioFile := flag.String("audio", "", "Ogg/Opus file used as the microphone")
	videoFile := flag.String("video", "", "IVF/VP8 file used as the camera")
	stunFlag := flag.String("stun", "", "Comma-separated STUN URLs; overrides the server's list, \"none\" disables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "15:04:05"
	if *debugMode {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}
	log := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
	slog.SetDefault(log)

	if *userID == "" {
		*userID, _ = pterm.DefaultInteractiveTextInput.WithDefaultText("Your user id").Show()
		*userID = strings.TrimSpace(*userID)
	}
	if *userID == "" {
		pterm.Error.Println("a user id is required")
		os.Exit(1)
	}

	client := apiclient.New(*apiURL, apiclient.WithLogger(log))
	if err := client.Login(ctx, *userID); err != nil {
		pterm.Error.Println("login failed: " + err.Error())
		os.Exit(1)
	}

	settings, err := client.CallSettings(ctx)
	if err != nil {
		log.Warn("call settings unavailable, using defaults", "err", err)
		settings = apiclient.Settings{}
	}
	stun := settings.STUNURLs
	if *stunFlag != "" {
		stun = stunList(*stunFlag)
	}

	factory, err := peer.NewFactory(peer.Config{ICEServers: stun}, log)
	if err != nil {
		pterm.Error.Println("webrtc init failed: " + err.Error())
		os.Exit(1)
	}

	machine := call.New(call.Config{SelfID: *userID, RingTimeout: settings.RingTimeout}, call.Deps{
		Channel:   client,
		Media:     peer.Devices{AudioFile: *audioFile, VideoFile: *videoFile, Logger: log},
		Connector: factory,
		Directory: client,
		Logger:    log,
	})
	machine.OnChange(render)
	machine.OnNotice(renderNotice)
	defer machine.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- machine.Run(ctx) }()

	pterm.Info.Println("logged in as " + *userID + "; type help for commands")
	if *callee != "" {
		go func() {
			if err := execute(ctx, machine, "c "+*callee); err != nil {
				pterm.Warning.Println(err.Error())
			}
		}()
	}

	cmdCtx, cancelCmds := context.WithCancel(ctx)
	go func() {
		// A dead signal stream leaves nothing to control.
		if err := <-runErr; err != nil {
			pterm.Error.Println("signal stream: " + err.Error())
		}
		cancelCmds()
	}()
	readCommands(cmdCtx, machine, os.Stdin)
	cancelCmds()

	pterm.Info.Println("bye")
}

// stunList parses the -stun flag. "none" yields an empty list.
func stunList(raw string) []string {
	if strings.EqualFold(strings.TrimSpace(raw), "none") {
		return []string{}
	}
	var out []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
