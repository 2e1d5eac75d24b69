package cmd

import (
	"log"

	"github.com/spigell/hh-sourcer/internal/ai"
	"github.com/spigell/hh-sourcer/internal/resolver"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "hh-sourcer"
)

type Config struct {
	Targets      []resolver.Seed  `mapstructure:"targets"`
	Requirements []ai.Requirement `mapstructure:"requirements"`
	Strategy     string           `mapstructure:"strategy"`
	Filters      *FiltersConfig   `mapstructure:"filters"`
	Sourcing     *SourcingConfig  `mapstructure:"sourcing"`
	Database     string           `mapstructure:"database"`
	TokenFile    string           `mapstructure:"token-file"`
	UserAgent    string           `mapstructure:"user-agent"`
	LogFile      string           `mapstructure:"log-file"`
	AI           *AIConfig        `mapstructure:"ai"`
}

type FiltersConfig struct {
	Roles      []string `mapstructure:"roles"`
	Locations  []string `mapstructure:"locations"`
	Seniority  string   `mapstructure:"seniority"`
	Department string   `mapstructure:"department"`
}

type SourcingConfig struct {
	Concurrency         int     `mapstructure:"concurrency"`
	PreviewCap          int     `mapstructure:"preview-cap"`
	CandidateCap        int     `mapstructure:"candidate-cap"`
	FreshDays           int     `mapstructure:"fresh-days"`
	StaleDays           int     `mapstructure:"stale-days"`
	OrganizationDays    int     `mapstructure:"organization-days"`
	EnrichCutoffYear    int     `mapstructure:"enrich-cutoff-year"`
	RetentionDays       int     `mapstructure:"retention-days"`
	ConfidenceThreshold float64 `mapstructure:"confidence-threshold"`
}

type AIConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "hh-sourcer is a cli for sourcing candidate resumes at target organizations on hh.ru",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("token-file", "HH_TOKEN_FILE"); err != nil {
		log.Fatalf("binding HH_TOKEN_FILE environment variable: %v", err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is hh-sourcer.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Config needed only for the pipeline commands. If there is no config, we can skip initialization
	if runCmd.CalledAs() == "" && collectCmd.CalledAs() == "" && sessionsCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
