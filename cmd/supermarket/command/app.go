// Package command holds the supermarket subcommands.
package command

import (
	"context"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/bus"
	"github.com/vinayprograms/supermarket/config"
	"github.com/vinayprograms/supermarket/logging"
	"github.com/vinayprograms/supermarket/rpc"
	"github.com/vinayprograms/supermarket/shutdown"
)

// App carries what every subcommand shares: configuration, the logger and
// the transport factory.
type App struct {
	Config *config.Config
	Log    *logging.Logger

	configPath string
	transport  string
	host       string
	port       int
	natsURL    string
	namespace  string
	logLevel   string

	memOnce sync.Once
	mem     *bus.MemoryBus
}

// BindFlags registers the global flags on root.
func (a *App) BindFlags(root *cobra.Command) {
	fs := root.PersistentFlags()
	fs.StringVarP(&a.configPath, "config", "c", "", "TOML config file (default ./supermarket.toml if present)")
	fs.StringVar(&a.transport, "transport", "", "transport: mqtt, nats or memory")
	fs.StringVar(&a.host, "host", "", "MQTT broker host")
	fs.IntVar(&a.port, "port", 0, "MQTT broker port")
	fs.StringVar(&a.natsURL, "nats-url", "", "NATS server URL")
	fs.StringVar(&a.namespace, "namespace", "", "topic namespace")
	fs.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// Init loads configuration and applies flags over it.
func (a *App) Init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport.Kind = a.transport
	}
	if flags.Changed("host") {
		cfg.Transport.Host = a.host
	}
	if flags.Changed("port") {
		cfg.Transport.Port = a.port
	}
	if flags.Changed("nats-url") {
		cfg.Transport.NATSURL = a.natsURL
	}
	if flags.Changed("namespace") {
		cfg.Namespace = a.namespace
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.Config = cfg
	a.Log = logging.NewWithConfig(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	return nil
}

// Dial returns a transport factory for one client.
func (a *App) Dial(clientID string) rpc.DialFunc {
	return func(ctx context.Context) (bus.MessageBus, error) {
		return a.dial(clientID)
	}
}

func (a *App) dial(clientID string) (bus.MessageBus, error) {
	t := a.Config.Transport
	switch t.Kind {
	case config.TransportMemory:
		return a.memoryBus().Attach(), nil
	case config.TransportNATS:
		cfg := bus.DefaultNATSConfig()
		cfg.URL = t.NATSURL
		cfg.Name = clientID
		cfg.User = t.Username
		cfg.Password = t.Password
		if t.BufferSize > 0 {
			cfg.BufferSize = t.BufferSize
		}
		return bus.NewNATSBus(cfg)
	default:
		cfg := bus.DefaultMQTTConfig()
		cfg.Host = t.Host
		cfg.Port = t.Port
		cfg.ClientID = clientID
		cfg.Username = t.Username
		cfg.Password = t.Password
		if t.BufferSize > 0 {
			cfg.BufferSize = t.BufferSize
		}
		return bus.NewMQTTBus(cfg)
	}
}

// memoryBus is shared by every client in this process.
func (a *App) memoryBus() *bus.MemoryBus {
	a.memOnce.Do(func() {
		cfg := bus.DefaultConfig()
		if a.Config.Transport.BufferSize > 0 {
			cfg.BufferSize = a.Config.Transport.BufferSize
		}
		a.mem = bus.NewMemoryBus(cfg)
	})
	return a.mem
}

// Connect creates and connects an rpc client.
func (a *App) Connect(ctx context.Context, clientID string) (*rpc.Client, error) {
	client, err := rpc.NewClient(rpc.Config{
		ClientID:   clientID,
		Dial:       a.Dial(clientID),
		BufferSize: a.Config.Transport.BufferSize,
		Logger:     a.Log,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Shutdown returns a signal-aware coordinator. Clients registered with
// DisconnectOnShutdown close in the transport phase.
func (a *App) Shutdown(ctx context.Context) *shutdown.Coordinator {
	coord := shutdown.NewCoordinator(ctx, shutdown.Config{
		ContinueOnError: true,
		Logger:          a.Log,
	})
	coord.HandleSignals()
	return coord
}

// DisconnectOnShutdown closes client in the transport phase.
func (a *App) DisconnectOnShutdown(coord *shutdown.Coordinator, client *rpc.Client) {
	coord.RegisterFunc("rpc."+client.ClientID(), shutdown.PhaseTransport, func(context.Context) error {
		return client.Disconnect()
	})
}

// CloseMemoryOnShutdown closes the in-process bus after every client.
func (a *App) CloseMemoryOnShutdown(coord *shutdown.Coordinator) {
	if a.Config.Transport.Kind != config.TransportMemory {
		return
	}
	coord.RegisterFunc("memory-bus", shutdown.PhaseTransport+1, func(context.Context) error {
		return a.memoryBus().Close()
	})
}
