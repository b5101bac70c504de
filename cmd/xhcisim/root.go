package main

import (
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/softxhci/pkg"
)

// envPrefix scopes environment overrides, e.g. XHCISIM_LISTEN.
const envPrefix = "XHCISIM"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xhcisim",
	Short: "Drive a simulated xHCI host controller",
	Long: `xhcisim runs the softxhci transport core against a software xHCI
controller. Simulated HID keyboards and mice are attached to root hub ports,
enumerated through the command, transfer and event rings, and polled for
reports.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("json", false, "Emit logs as JSON")

	bindFlags(rootCmd.PersistentFlags())
}

// bindFlags makes every flag in fs visible to viper under its own name, so
// the config file and environment can set it too.
func bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
}

// initConfig reads the .env file, config file and environment, in
// increasing order of precedence below flags.
func initConfig() {
	if err := godotenv.Load(); err != nil {
		pkg.LogDebug(pkg.ComponentController, "no .env file loaded", "error", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xhcisim")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/xhcisim/")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			pkg.LogWarn(pkg.ComponentController, "config file not read", "error", err)
		}
		return
	}
	pkg.LogDebug(pkg.ComponentController, "config loaded", "file", viper.ConfigFileUsed())
}

func setupLogging() error {
	if viper.GetBool("json") {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	name := viper.GetString("log-level")
	level, ok := pkg.ParseLogLevel(name)
	if !ok {
		return errors.Wrapf(pkg.ErrInvalidParameter,
			"log level %q unknown; possible values are: debug, info, warn, error", name)
	}
	pkg.SetLogLevel(level)
	return nil
}
