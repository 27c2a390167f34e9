// relayctl connects to a relay with a token, runs one method and optionally
// stays attached to print chat messages and server events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/storage"
	"github.com/dkeye/Relay/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		configFile string
		url        string
		token      string
		method     string
		params     string
		channels   []string
		on         []string
		events     bool
	)
	flags := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	flags.StringVar(&url, "url", "", "relay websocket url, overrides relay.url")
	flags.StringVarP(&token, "token", "t", "", "auth token, overrides relay.token")
	flags.StringVarP(&method, "method", "m", "", "method to execute once connected")
	flags.StringVarP(&params, "params", "p", "{}", "JSON params for --method")
	flags.StringSliceVarP(&channels, "listen", "l", nil, "chat channels to listen on")
	flags.StringSliceVar(&on, "on", nil, "root events to print, e.g. video.room.started")
	flags.BoolVar(&events, "events", false, "print every server event")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	if url != "" {
		cfg.Relay.URL = url
	}
	if token != "" {
		cfg.Relay.Token = token
	}
	if cfg.Relay.Token == "" {
		return errors.New("a token is required (--token or relay.token)")
	}

	store, release, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	logEvent := func(ev domain.SessionEvent) {
		l := log.Info().Str("kind", string(ev.Kind)).Str("status", string(ev.Status))
		if ev.Err != nil {
			l = l.Err(ev.Err)
		}
		l.Msg("session")
	}
	client := orch.New(orch.Options{
		Dialer:  &ws.Dialer{URL: cfg.Relay.URL, ReadLimit: cfg.ReadLimit},
		Token:   cfg.Relay.Token,
		Storage: store,
		Session: cfg.Session,
		Callbacks: orch.Callbacks{
			OnConnected:       logEvent,
			OnReconnecting:    logEvent,
			OnDisconnected:    logEvent,
			OnAuthError:       logEvent,
			OnSessionExpiring: logEvent,
		},
	})
	defer func() { _ = client.Close(context.Background()) }()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if method != "" {
		var p any
		if err := json.Unmarshal([]byte(params), &p); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		res, err := client.Execute(ctx, method, p)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		fmt.Println(string(res))
	}

	if len(channels) == 0 && len(on) == 0 && !events {
		return client.Disconnect(ctx)
	}

	if len(channels) > 0 {
		unsubscribe, err := client.Listen(ctx, orch.ListenOptions{
			Channels: channels,
			OnMessage: func(m domain.ChatMessage) {
				b, _ := json.Marshal(m)
				fmt.Println(string(b))
			},
		})
		if err != nil {
			return err
		}
		defer unsubscribe()
	}
	for _, name := range on {
		client.On(name, func(v any) {
			log.Info().Str("event", name).Interface("payload", payload(v)).Msg("event")
		})
	}
	if events {
		raw := client.Bus().Raw.Subscribe()
		defer raw.Close()
		go func() {
			for {
				a, err := raw.Recv(ctx)
				if err != nil {
					return
				}
				log.Info().Str("type", a.Type).Str("channel", a.Channel).Interface("params", a.Payload).Msg("server event")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("detaching")
	return nil
}

func payload(v any) any {
	if a, ok := v.(domain.Action); ok {
		return a.Payload
	}
	return v
}
