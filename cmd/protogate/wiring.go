package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/protogate/codec"
	"github.com/c360/protogate/config"
	"github.com/c360/protogate/device"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/natsclient"
	"github.com/c360/protogate/pkg/cache"
	"github.com/c360/protogate/sink"
	"github.com/c360/protogate/transport"
	"github.com/c360/protogate/transport/mqtt"
	"github.com/c360/protogate/transport/socket"
	"github.com/c360/protogate/transport/websocket"
)

// sharedNATS names the shared system connection backed by the NATS client.
const sharedNATS = "nats"

func needsNATS(cfg *config.Config) bool {
	if cfg.Tenants.Source == config.SourceKV {
		return true
	}
	for _, s := range cfg.Sinks {
		if s == config.SinkNATS {
			return true
		}
	}
	return false
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithClientName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.Std()),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// buildSource returns the tenant config source and, when watching is
// enabled, its change feed.
func buildSource(ctx context.Context, cfg *config.Config, nc *natsclient.Client,
	logger *slog.Logger) (config.Source, <-chan config.Event, error) {
	var src interface {
		config.Source
		config.Watcher
	}

	switch cfg.Tenants.Source {
	case config.SourceKV:
		kv, err := nc.KeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Tenants.Bucket,
			Description: "protogate tenant configs",
			History:     5,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open tenant bucket %s: %w", cfg.Tenants.Bucket, err)
		}
		src = config.NewKVSource(kv, logger.With("component", "kv-source"))
	default:
		fs, err := config.NewFileSource(cfg.Tenants.Path, logger.With("component", "file-source"))
		if err != nil {
			return nil, nil, fmt.Errorf("load tenants %s: %w", cfg.Tenants.Path, err)
		}
		src = fs
	}

	if !cfg.Tenants.Watch {
		return src, nil, nil
	}
	events, err := src.Watch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("watch tenant configs: %w", err)
	}
	return src, events, nil
}

func buildDialers(logger *slog.Logger) *transport.Registry {
	dialers := transport.NewRegistry()
	dialers.Register(config.TransportMQTT, mqtt.NewDialer(logger.With("transport", config.TransportMQTT)))
	dialers.Register(config.TransportWebSocket, websocket.NewDialer(logger.With("transport", config.TransportWebSocket)))
	dialers.Register(config.TransportTCP, socket.NewTCP(logger.With("transport", config.TransportTCP)))
	dialers.Register(config.TransportUDP, socket.NewUDP(logger.With("transport", config.TransportUDP)))
	return dialers
}

// buildDirectory seeds the in-memory directory with the configured
// products and fronts it with a cache unless disabled.
func buildDirectory(ctx context.Context, cfg *config.Config, reg *metric.MetricsRegistry) (device.Directory, func() error, error) {
	products := make([]device.Product, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		products = append(products, device.Product{
			Key:               p.Key,
			Name:              p.Name,
			AllowAutoRegister: p.AllowAutoRegister,
			Codec:             p.Codec,
		})
	}
	mem := device.NewMemoryDirectory(products...)
	if cfg.Directory.MaxSize <= 0 {
		return mem, func() error { return nil }, nil
	}

	cached, err := device.NewCachedDirectory(ctx, mem,
		cache.Config{MaxSize: cfg.Directory.MaxSize, TTL: cfg.Directory.TTL.Std()},
		[]cache.Option[device.Device]{cache.WithMetrics[device.Device](reg, "directory_devices")},
		[]cache.Option[device.Product]{cache.WithMetrics[device.Product](reg, "directory_products")},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create directory cache: %w", err)
	}
	return cached, cached.Close, nil
}

func buildCodecs(products []config.ProductConfig) (*codec.Registry, error) {
	reg := codec.NewRegistry(codec.JSONDecoder{})
	for _, p := range products {
		var d codec.Decoder
		if p.Codec == "cbor" {
			d = codec.CBORDecoder{}
		}
		if err := reg.Bind(p.Key, d, p.PreDecode); err != nil {
			return nil, fmt.Errorf("product %s: %w", p.Key, err)
		}
	}
	return reg, nil
}

// buildSink assembles the configured sinks behind an asynchronous
// hand-off so slow brokers never stall a pipeline lane for long.
func buildSink(cfg *config.Config, nc *natsclient.Client, reg *metric.MetricsRegistry, logger *slog.Logger) (*sink.Async, error) {
	var sinks []sink.Sink
	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, sink.NewLog(logger.With("sink", name)))
		case config.SinkNATS:
			if nc == nil {
				return nil, fmt.Errorf("nats sink without NATS connection")
			}
			sinks = append(sinks, sink.NewNATS(nc, cfg.NATS.SubjectPrefix))
		case config.SinkKafka:
			w := sink.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.BatchTimeout.Std())
			sinks = append(sinks, sink.NewKafka(w))
		default:
			return nil, fmt.Errorf("unknown sink %q", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, sink.NewLog(logger.With("sink", config.SinkLog)))
	}

	lanes := cfg.Gateway.Workers
	if lanes <= 0 {
		lanes = 1
	}
	multi := sink.NewMulti(reg.CoreMetrics(), sinks...)
	return sink.NewAsync(multi, lanes, cfg.Gateway.QueueSize, reg, logger.With("component", "sink")), nil
}
