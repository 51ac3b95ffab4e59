// main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/voxmatch/internal/app"
	"github.com/petervdpas/voxmatch/internal/call"
	"github.com/petervdpas/voxmatch/internal/config"
	"github.com/petervdpas/voxmatch/internal/negotiator"
	"github.com/petervdpas/voxmatch/internal/proto"
	"github.com/petervdpas/voxmatch/internal/registry"
	"github.com/petervdpas/voxmatch/internal/wsclient"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("voxmatch v%s\n", appVersion)
		return
	}
	if *showHelp || flag.NArg() == 0 {
		showUsage()
		return
	}

	args := flag.Args()
	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires a data directory")
			fmt.Fprintln(os.Stderr, "Usage: voxmatch serve <data-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	case "probe":
		runProbe(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runServe(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "voxmatch.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// runProbe connects as one user and either joins a room or calls a match
// partner, printing what the server sends back.
func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:8080", "server base URL")
	user := fs.Int64("user", 0, "user id to register as")
	roomID := fs.String("room", "", "room to join")
	matchID := fs.Int64("match", 0, "match to call on")
	peer := fs.Int64("peer", 0, "user to call (with -match)")
	cfgPath := fs.String("config", "", "config file for client and ICE settings")
	_ = fs.Parse(args)

	if *user <= 0 {
		fmt.Fprintln(os.Stderr, "Error: probe requires -user")
		os.Exit(1)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = c
	}
	if err := cfg.Log.ApplyLogLevels(); err != nil {
		log.Fatalf("Log levels: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	status, err := wsclient.Dial(ctx, app.ClientOptions(cfg, *url, *user, registry.KindStatus))
	if err != nil {
		log.Fatalf("Status channel: %v", err)
	}
	defer status.Close()
	status.On(proto.TypeCallIncoming, printFrame("incoming"))
	status.On(proto.TypeMatchUnlocked, printFrame("unlocked"))

	sig, err := wsclient.Dial(ctx, app.ClientOptions(cfg, *url, *user, registry.KindSignaling))
	if err != nil {
		log.Fatalf("Signaling channel: %v", err)
	}
	defer sig.Close()
	sig.On(proto.TypeError, printFrame("error"))
	sig.OnFailed(func(err error) {
		log.Printf("Signaling lost: %v", err)
		cancel()
	})

	factory := negotiator.PionFactory(cfg.Negotiation.ICEServers)
	calls := call.New(sig, *user, factory, app.NegotiatorOptions(cfg))
	defer calls.Close()
	calls.OnStatus(func(u proto.CallStatusUpdate) {
		log.Printf("call %s: %s", u.CallID, u.Status)
	})
	calls.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("Answering call %s from %d", ic.CallID, ic.From)
		if err := ic.Accept(); err != nil {
			log.Printf("Accept: %v", err)
		}
	})

	switch {
	case *roomID != "":
		ids, err := calls.JoinRoom(ctx, *roomID, nil)
		if err != nil {
			log.Fatalf("Join %s: %v", *roomID, err)
		}
		log.Printf("Joined %s with %v", *roomID, ids)
	case *matchID > 0 && *peer > 0:
		if _, err := calls.Call(*matchID, *peer); err != nil {
			log.Fatalf("Call: %v", err)
		}
	}

	fmt.Println("Connected. (Press Ctrl+C to stop)")
	<-ctx.Done()
}

func printFrame(label string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		log.Printf("%s: %s", label, raw)
	}
}

func showUsage() {
	fmt.Println("voxmatch - voice call signaling for matched users")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  voxmatch serve <directory>   Run the signaling server")
	fmt.Println("  voxmatch probe [flags]       Connect as a user for testing")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Run the server from the specified data directory")
	fmt.Println("        A default voxmatch.json is written there when missing")
	fmt.Println()
	fmt.Println("  probe -user <id> [-url ws://host:port] [-room <id> | -match <id> -peer <id>]")
	fmt.Println("        Register both channels, then join a room or call a match partner")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  voxmatch serve ./data")
	fmt.Println("  voxmatch probe -user 2")
	fmt.Println("  voxmatch probe -user 1 -match 10 -peer 2")
}
