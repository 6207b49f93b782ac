package cmd

import (
	"fmt"
	"os"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dispenser",
	Short: "Portal backend for connected pill dispensers.",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load Config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Initialize Logger
		logger = newLogger(cfg.Log)
		cfg.Logger = logger
		return nil
	},
}

func newLogger(lc config.LogConfig) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if lc.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file (default is ./config/config.yaml)")
}
