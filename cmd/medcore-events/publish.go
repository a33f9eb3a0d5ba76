package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/medcore/realtime/internal/bus"
	"github.com/medcore/realtime/internal/config"
	"github.com/medcore/realtime/internal/gateway"
)

type publishOptions struct {
	configPath string
	event      gateway.SystemEvent
	timeout    time.Duration
}

func parsePublishFlags(args []string) (*publishOptions, error) {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file (optional)")
	scope := fs.String("scope", string(gateway.ScopeGlobal), "Event scope: GLOBAL, UNIT or TERMINAL")
	target := fs.String("target", "", "Unit or terminal ID (required for UNIT and TERMINAL)")
	eventType := fs.String("type", "", "Event type delivered to clients (e.g., vitals.update)")
	payload := fs.String("payload", "", "Event payload as JSON (optional)")
	timeout := fs.Duration("timeout", 5*time.Second, "Broker connect and publish timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ev := gateway.SystemEvent{
		Scope:  gateway.Scope(*scope),
		Target: *target,
		Type:   *eventType,
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		ev.Payload = json.RawMessage(*payload)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	return &publishOptions{configPath: *configPath, event: ev, timeout: *timeout}, nil
}

func runPublish(args []string) error {
	opts, err := parsePublishFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	b := bus.New(bus.NewRedisBroker(cfg.Broker.URL, opts.timeout, nil), bus.Options{Channel: cfg.Broker.Channel})
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = b.Stop() }()

	if err := gateway.PublishSystemEvent(ctx, b, opts.event); err != nil {
		return err
	}

	fmt.Printf("Published %s to %s", opts.event.Type, opts.event.Scope)
	if opts.event.Target != "" {
		fmt.Printf(" %s", opts.event.Target)
	}
	fmt.Printf(" on %s\n", cfg.Broker.Channel)
	return nil
}
