// Command probe joins a live session as a participant and prints the roster
// and connection quality as they change. It is meant for checking a running
// server by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"sanctuary-live/internal/client"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/tokenstore"
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", envOr("PROBE_URL", "ws://localhost:3000/v1/live"), "realtime endpoint")
	sessionID := flag.String("session", os.Getenv("PROBE_SESSION"), "session to join")
	token := flag.String("token", os.Getenv("PROBE_TOKEN"), "bearer token; empty joins as a guest")
	alias := flag.String("alias", "probe", "display alias")
	hostToken := flag.String("host-token", "", "host token to claim host authority")
	cacheDir := flag.String("cache", "", "badger directory for cached host tokens")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *sessionID == "" {
		log.Fatal().Msg("-session is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var tokens tokenstore.Store = tokenstore.NewMemoryStore(time.Now)
	if *cacheDir != "" {
		bs, err := tokenstore.OpenBadgerStore(*cacheDir, time.Now)
		if err != nil {
			log.Fatal().Err(err).Str("dir", *cacheDir).Msg("failed to open token cache")
		}
		tokens = bs
	}
	defer tokens.Close()

	conn := client.NewConn(client.Options{URL: *url, Logger: log.Logger})
	conn.OnStateChange(func(s client.State) {
		log.Info().Str("state", string(s)).Msg("connection")
	})
	conn.OnQuality(func(q client.Quality, rtt time.Duration) {
		log.Info().Str("quality", string(q)).Dur("rtt", rtt).Msg("quality")
	})

	sess := client.NewSession(conn, client.SessionOptions{Tokens: tokens, Logger: log.Logger})
	sess.OnRoster(printRoster)
	sess.OnEvent(func(ev client.Event) {
		log.Debug().Str("event", ev.Name).Uint64("version", ev.Version).RawJSON("payload", ev.Payload).Msg("event")
	})

	if err := conn.Connect(ctx, *token); err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("connect failed")
	}
	defer conn.Disconnect()

	res, err := sess.Join(ctx, *sessionID, client.JoinInfo{Alias: *alias, HostToken: *hostToken})
	if err != nil {
		log.Fatal().Err(err).Str("session", *sessionID).Msg("join failed")
	}
	log.Info().
		Str("participant", res.Participant.ID).
		Str("role", string(res.Participant.Role)).
		Str("media", res.MediaChannel).
		Bool("rejoined", res.Rejoined).
		Msg("joined")

	<-ctx.Done()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer leaveCancel()
	if err := sess.Leave(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printRoster(r model.Roster) {
	fmt.Printf("\nsession %s  version %d\n", r.SessionID, r.Version)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Alias", "Role", "Audio", "Speaking", "Hand", "Connection", "Room"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")

	for _, p := range r.Participants {
		table.Append([]string{
			p.ID,
			p.Alias,
			string(p.Role),
			string(p.Audio),
			yesNo(p.Speaking),
			yesNo(p.HandRaised),
			string(p.Connection),
			p.RoomID,
		})
	}
	table.Render()

	for _, room := range r.Rooms {
		fmt.Printf("room %-20s %d/%d  %s\n", room.Name, len(room.Members), room.Capacity, strings.Join(room.Members, ","))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
