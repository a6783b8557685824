package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile string
	envFile string
	apiURL  string
)

var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Dispatch console agent",
	Long: `Runs the dispatch console: keeps the dispatcher's session alive against the
dispatch API, mirrors the notification feed and serves it to the console UI.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags win over the environment; the environment wins over the config file
		if apiURL != "" {
			return os.Setenv("API_BASE_URL", apiURL)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; keys map to environment variable names")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "dispatch API base URL (overrides API_BASE_URL)")
}

// initConfig loads the dotenv file and then the optional config file.
// Neither overrides a variable that is already set.
func initConfig() {
	// Load .env file if exists
	_ = godotenv.Load(envFile)

	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	cobra.CheckErr(viper.ReadInConfig())

	for _, key := range viper.AllKeys() {
		name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		if _, set := os.LookupEnv(name); set {
			continue
		}
		cobra.CheckErr(os.Setenv(name, viper.GetString(key)))
	}
}

func main() {
	Execute()
}
