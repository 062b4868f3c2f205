// Command echo is a plugin executable that repeats what it is sent.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/plugin"
	"github.com/snowmerak/provider.go/lib/provider/executable"
)

type EchoRequest struct {
	Text string `json:"text"`
}

type EchoResponse struct {
	Echo   string `json:"echo"`
	Plugin string `json:"plugin"`
}

func main() {
	// stdout carries the protocol, so logs go to stderr.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().
		Str("plugin", os.Getenv(executable.EnvPluginID)).
		Str("serial", os.Getenv(executable.EnvSerial)).
		Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := os.Getenv(executable.EnvPluginID)
	module := plugin.NewModule(os.Stdin, os.Stdout, plugin.WithModuleLogger(logger))

	plugin.HandleJSON(module, "echo", func(ctx context.Context, req EchoRequest) (EchoResponse, error) {
		if req.Text == "" {
			return EchoResponse{}, errors.New("nothing to echo")
		}
		text := req.Text
		if strings.HasSuffix(id, "#shout") {
			text = strings.ToUpper(text)
		}
		return EchoResponse{Echo: text, Plugin: id}, nil
	})

	logger.Debug().Msg("echo plugin listening")
	if err := module.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("listen failed")
		os.Exit(1)
	}
}
