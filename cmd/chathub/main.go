package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"chathub/internal/logging"
	"chathub/internal/memory"
	"chathub/internal/server"
	"chathub/internal/workerpool"
	"chathub/pkg/config"
)

const defaultConfigPath = "configs/chathub.yaml"

func main() {
	if err := newRootCmd(afero.NewOsFs(), os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries what the commands share: the config file system and where
// command output goes.
type cli struct {
	fs         afero.Fs
	out        io.Writer
	configPath string
}

func newRootCmd(fs afero.Fs, out io.Writer) *cobra.Command {
	c := &cli{fs: fs, out: out}

	root := &cobra.Command{
		Use:           "chathub",
		Short:         "chathub - TCP chat server with an adaptive worker pool and memory governance",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	root.AddCommand(c.serveCmd(), c.configCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, shutdownTimeout)
		},
	}

	flags := cmd.Flags()
	flags.String("node-id", "", "Unique node identifier")
	flags.String("host", "", "Address to bind the chat listener")
	flags.Int("port", 0, "Port for the chat listener")
	flags.String("admin-addr", "", "Admin endpoint address, empty to disable")
	flags.Int("max-clients", 0, "Maximum concurrent clients")
	flags.String("log-level", "", "Log level (debug, info, warn, error, fatal)")
	flags.DurationVar(&shutdownTimeout, "shutdown-timeout", workerpool.DefaultShutdownTimeout, "How long to wait for clients on shutdown")
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(nil)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = c.out.Write(data)
			return err
		},
	})
	return cmd
}

// flagKeys maps serve flags onto configuration keys.
var flagKeys = map[string]string{
	"node-id":     "server.node_id",
	"host":        "server.host",
	"port":        "server.port",
	"admin-addr":  "server.admin_addr",
	"max-clients": "server.max_clients",
	"log-level":   "logging.level",
}

// load layers flags that were set over the file and environment.
func (c *cli) load(flags *pflag.FlagSet) (*config.Config, error) {
	v, err := config.NewViper(c.fs, c.configPath)
	if err != nil {
		return nil, err
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// serve runs the server until ctx is done, then stops it.
func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	logger, err := logging.NewFromConfig(cfg.Server.NodeID, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	logger.Info(ctx, logging.ComponentMain, logging.ActionStart, "chathub node starting", map[string]interface{}{
		"node_id":     cfg.Server.NodeID,
		"addr":        cfg.Server.Addr(),
		"admin_addr":  cfg.Server.AdminAddr,
		"min_workers": cfg.Pool.MinWorkers,
		"max_workers": cfg.Pool.MaxWorkers,
	})

	pool, err := workerpool.New(cfg.WorkerPool(), logger)
	if err != nil {
		return err
	}
	mem, err := memory.New(cfg.MemoryManager(), memory.WithLogger(logger))
	if err != nil {
		_ = pool.Close()
		return err
	}

	srv := server.New(cfg.ChatServer(), pool, mem, logger)
	if err := srv.Start(); err != nil {
		_ = pool.Close()
		mem.Shutdown()
		logger.Error(ctx, logging.ComponentMain, logging.ActionStart, "Failed to start chat server", err)
		return err
	}

	<-ctx.Done()
	logger.Info(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown requested", map[string]interface{}{
		"timeout": shutdownTimeout.String(),
	})

	if err := srv.Stop(shutdownTimeout); err != nil {
		logger.Error(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown finished with errors", err)
		return err
	}
	return nil
}
