package cmd

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/resultcache"
)

var rootCmd = &cobra.Command{
	Use:   "resultcache",
	Short: "Experiment result cache CLI",
	Long:  "CLI for inspecting and maintaining resultcache stores.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/resultcache/config.yaml)")
	rootCmd.PersistentFlags().Duration("lock-timeout", 0, "give up waiting for a store lock after this long (0 waits forever)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.BindPFlag("lock_timeout", rootCmd.PersistentFlags().Lookup("lock-timeout"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RESULTCACHE")
	viper.AutomaticEnv()
	viper.SetDefault("concurrency", 4)
	viper.SetDefault("compression_level", 2)

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file %s", viper.ConfigFileUsed())
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "resultcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "resultcache")
	}
	return ".resultcache"
}

func newCache() *resultcache.Cache {
	return resultcache.New(
		resultcache.WithLockTimeout(viper.GetDuration("lock_timeout")),
		resultcache.WithCompression(true, viper.GetInt("compression_level")),
	)
}
