package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/server/runner/expiry"
	"github.com/hrygo/agentmemory/server/service/memory"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "agentmemory",
		Short: `Persistent conversation, resource and protocol-log memory for autonomous agents.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			configFile := viper.GetString("config")
			if configFile == "" {
				return nil
			}
			viper.SetConfigFile(configFile)
			return errors.Wrapf(viper.ReadInConfig(), "failed to read config %s", configFile)
		},
		SilenceUsage: true,
	}

	execCmd = &cobra.Command{
		Use:   "exec",
		Short: "Run one JSON request and print the JSON result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var input io.Reader = cmd.InOrStdin()
			if path := viper.GetString("request"); path != "" && path != "-" {
				file, err := os.Open(path)
				if err != nil {
					return errors.Wrapf(err, "failed to open request %s", path)
				}
				defer file.Close()
				input = file
			}

			req := &memory.Request{}
			decoder := json.NewDecoder(input)
			decoder.UseNumber()
			if err := decoder.Decode(req); err != nil {
				return errors.Wrap(err, "failed to decode request")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, loadProfile())
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.service.Dispatch(ctx, viper.GetString("user"), req)
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return errors.Wrap(err, "failed to encode result")
			}
			if result.Error != nil {
				return errors.Errorf("request failed: %s", result.Error.Kind)
			}
			return nil
		},
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			instanceProfile := loadProfile()
			a, err := newApp(ctx, instanceProfile)
			if err != nil {
				return err
			}
			defer a.Close()

			runner := expiry.NewRunner(a.store, expiry.Config{Retention: instanceProfile.RetentionWindow})
			deleted, err := runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired conversation(s)\n", deleted)
			return nil
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the retention runner until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			instanceProfile := loadProfile()
			a, err := newApp(ctx, instanceProfile)
			if err != nil {
				return err
			}
			defer a.Close()

			runner := expiry.NewRunner(a.store, expiry.Config{
				Retention: instanceProfile.RetentionWindow,
				Interval:  instanceProfile.CleanupInterval,
			})
			runner.Start(ctx)
			printGreetings(instanceProfile)

			<-ctx.Done()
			slog.Info("shutting down")
			runner.Stop()
			return nil
		},
	}

	primerCmd = &cobra.Command{
		Use:   "primer",
		Short: "Print the system primer as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, loadProfile())
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.service.DescribeSystem(a.tools.Info()...).YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
)

func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{
		Mode:            viper.GetString("mode"),
		Version:         version,
		Data:            viper.GetString("data"),
		Driver:          viper.GetString("driver"),
		DSN:             viper.GetString("dsn"),
		Name:            viper.GetString("name"),
		Description:     viper.GetString("description"),
		PrimerPath:      viper.GetString("primer"),
		RetentionWindow: viper.GetDuration("retention"),
		CleanupInterval: viper.GetDuration("cleanup-interval"),
		MetadataPolicy:  viper.GetString("metadata-policy"),
		Compression:     viper.GetString("compression"),
		CacheCapacity:   viper.GetInt64("cache-capacity"),
		CacheTTL:        viper.GetDuration("cache-ttl"),
		FetchTimeout:    viper.GetDuration("fetch-timeout"),
		FetchRPS:        viper.GetFloat64("fetch-rps"),
		FetchMaxBytes:   viper.GetInt64("fetch-max-bytes"),
	}
	instanceProfile.ApplyDefaults()
	return instanceProfile
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", profile.DriverSQLite)
	viper.SetDefault("retention", expiry.DefaultRetention)
	viper.SetDefault("cleanup-interval", expiry.DefaultInterval)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("mode", "dev", `mode of the store, can be "prod" or "dev" or "demo"`)
	flags.String("data", "", "data directory")
	flags.String("driver", profile.DriverSQLite, "database driver: memory, sqlite or postgres")
	flags.String("dsn", "", "database source name (postgres)")
	flags.String("name", "", "instance name reported in the primer")
	flags.String("description", "", "instance description reported in the primer")
	flags.String("primer", "", "path to a YAML primer")
	flags.Duration("retention", expiry.DefaultRetention, "how long a conversation survives without updates")
	flags.Duration("cleanup-interval", expiry.DefaultInterval, "interval between retention passes")
	flags.String("metadata-policy", profile.MetadataMerge, "resource metadata policy: merge or replace")
	flags.String("compression", "auto", "resource compression: auto, zstd, lz4 or none")
	flags.Int64("cache-capacity", 64<<20, "remote content cache size in bytes")
	flags.Duration("cache-ttl", 10*time.Minute, "remote content cache TTL")
	flags.Duration("fetch-timeout", 30*time.Second, "remote fetch timeout")
	flags.Float64("fetch-rps", 5, "remote fetch requests per second per host")
	flags.Int64("fetch-max-bytes", 16<<20, "maximum remote content size in bytes")
	flags.String("user", "", "user id the request runs as")

	for _, name := range []string{
		"config", "mode", "data", "driver", "dsn", "name", "description", "primer",
		"retention", "cleanup-interval", "metadata-policy", "compression",
		"cache-capacity", "cache-ttl", "fetch-timeout", "fetch-rps", "fetch-max-bytes", "user",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	execCmd.Flags().String("request", "-", "file holding the JSON request, - for stdin")
	if err := viper.BindPFlag("request", execCmd.Flags().Lookup("request")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("agentmemory")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(execCmd, cleanupCmd, runCmd, primerCmd)
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("agentmemory %s started\n", p.Version)
	fmt.Printf("Driver: %s\n", p.Driver)
	if p.Driver == profile.DriverSQLite {
		fmt.Printf("Data directory: %s\n", p.Data)
	}
	fmt.Printf("Retention: %s, cleanup every %s\n", p.RetentionWindow, p.CleanupInterval)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
