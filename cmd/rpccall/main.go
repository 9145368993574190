// rpccall performs one RPC over the message broker and prints the reply data.
//
//	rpccall --queue loans:getLoan '{"id": 42}'
//	echo '{"id": 42}' | rpccall --queue loans:getLoan
//
// A remote error is printed to stderr and exits with status 2; a timeout exits
// with status 3.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"mq-rpc/client"
	"mq-rpc/codec"
	"mq-rpc/config"
	"mq-rpc/transport"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath, queue, codecName string
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("rpccall", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $MQRPC_CONFIG)")
	flagSet.StringVarP(&queue, "queue", "q", "", "handler queue to call, e.g. loans:getLoan")
	flagSet.StringVar(&codecName, "codec", "", "wire codec, json or cbor (default: rpc.codec)")
	flagSet.DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (default: rpc.timeout)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if queue == "" {
		return errors.New("--queue is required")
	}

	payload, err := readPayload(flagSet.Args())
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if codecName == "" {
		codecName = cfg.RPC.Codec
	}
	codecType, err := codec.ParseType(codecName)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = cfg.RPC.Timeout
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t, err := transport.DialAMQP(transport.AMQPConfig{
		URL:      cfg.AMQP.URL,
		Prefetch: cfg.AMQP.Prefetch,
		PoolSize: cfg.AMQP.PoolSize,
		Logger:   logger.Named("amqp"),
	})
	if err != nil {
		return err
	}
	defer t.Close()

	c, err := client.NewClient(ctx, t,
		client.WithCodec(codecType),
		client.WithTimeout(timeout),
		client.WithLogger(logger.Named("client")))
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Debug("calling", zap.String("queue", queue), zap.Duration("timeout", timeout))
	data, err := c.CallRaw(ctx, queue, payload, timeout)
	var remote *client.RemoteError
	switch {
	case errors.As(err, &remote):
		return &exitError{code: 2, err: err}
	case errors.Is(err, client.ErrTimeout):
		return &exitError{code: 3, err: err}
	case err != nil:
		return err
	}

	fmt.Println(string(data))
	return nil
}

// readPayload takes the JSON payload from the first argument, or stdin when there
// is none. An empty payload is sent as {}.
func readPayload(args []string) (json.RawMessage, error) {
	var raw []byte
	switch len(args) {
	case 0:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	case 1:
		raw = []byte(args[0])
	default:
		return nil, fmt.Errorf("unexpected argument: %s", args[1])
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}
