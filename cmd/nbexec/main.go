package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/nbexec/internal/log"
	"github.com/CZERTAINLY/nbexec/internal/model"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/nbexec on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "nbexec")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is nbexec.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initNbexec

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("nbexec failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "nbexec",
	Short:        "Runs notebook chunks in external interpreters and records their output",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a nbexec",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("nbexec: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("nbexec: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initNbexec(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("NBEXECCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "nbexec.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "nbexec.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// the supervisor section is read through viper, NBEXEC_* env wins
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("NBEXEC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", configPath, err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	slog.SetDefault(log.New(config.Service.Verbose))

	slog.Debug("nbexec run", "configPath", configPath)
	slog.Debug("nbexec run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
