package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/cheese-chat/internal/backend"
	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/chatclient"
	appcfg "github.com/park285/cheese-chat/internal/config"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/reconciler"
	"github.com/park285/cheese-chat/internal/transport"
)

// chatprobe joins one channel and prints every change the client applies.
func main() {
	channel := flag.Int64("channel", 0, "channel id to join")
	say := flag.String("say", "", "optional message to send after joining")
	wait := flag.Duration("wait", 0, "exit after this long (0 waits for a signal)")
	flag.Parse()

	_ = godotenv.Load(".env")
	if err := obslog.InitFromEnv("logs/chatprobe.log"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *channel <= 0 {
		log.Fatal("-channel is required")
	}

	headers := func() map[string]string {
		h := map[string]string{"X-User-Id": strconv.FormatInt(cfg.UserID, 10)}
		if cfg.SessionToken != "" {
			h["Authorization"] = "Bearer " + cfg.SessionToken
		}
		return h
	}

	api := backend.NewClient(cfg.BackendURL,
		backend.WithHeaderProvider(headers),
		backend.WithTimeout(8*time.Second),
		backend.WithLogger(obslog.Named("backend")),
	)
	ws := transport.NewWSClient(cfg.WSURL, cfg.ReconnectAttempts, cfg.ReconnectDelay,
		transport.WithHeaders(headers),
		transport.WithLogger(obslog.Named("transport")),
	)
	ws.OnStateChange(func(s transport.State) {
		log.Printf("WS state: %s", s)
	})

	client, err := chatclient.New(chat.UserID(cfg.UserID), ws, api, chatclient.Options{
		PageSize:         cfg.PageSize,
		CountdownSeconds: cfg.CountdownSeconds,
		EditWindow:       cfg.EditBufferWindow,
		EditCapacity:     cfg.EditBufferSize,
		Logger:           obslog.Named("chat"),
	})
	if err != nil {
		log.Fatalf("client init error: %v", err)
	}
	scope := chat.Scope{Channel: chat.ChannelID(*channel)}
	client.OnChange(func(ch reconciler.Change) {
		fmt.Printf("change kind=%s event=%s channel=%d message=%s from=%d\n", ch.Kind, ch.Event, ch.Channel, ch.MessageID, ch.From)
	})

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *wait > 0 {
		var cancelWait context.CancelFunc
		runCtx, cancelWait = context.WithTimeout(runCtx, *wait)
		defer cancelWait()
	}
	if err := client.Start(runCtx); err != nil {
		log.Printf("WS connect error: %v", err)
	}

	ctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	room, err := client.Join(ctx, scope.Channel)
	if err != nil {
		cancel()
		log.Fatalf("join error: %v", err)
	}
	fmt.Printf("joined channel=%d members=%d twoPeople=%t chess=%t\n", room.ID, len(room.Members), room.IsTwoPeople, room.HasChessGame)
	for _, m := range client.Store().Messages(scope) {
		fmt.Printf("history id=%s user=%d kind=%s %q\n", m.ID, m.UserID, m.Kind, m.Content)
	}
	if *say != "" {
		if _, err := client.Send(ctx, scope, *say, chatclient.SendOptions{}); err != nil {
			log.Printf("send error: %v", err)
		}
	}
	cancel()

	<-runCtx.Done()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	_ = client.Close(closeCtx)
}
