// Package cli wires the terminal commands: ingest, export, stats.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marion/aap-watch/internal/ai"
	"github.com/marion/aap-watch/internal/ingest"
)

var (
	cfgFile     string
	sourcesFile string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "aapwatch",
	Short: "aapwatch - agrégateur d'appels à projets",
	Long: `aapwatch collecte les appels à projets publiés par les collectivités,
fondations et plateformes open data, les déduplique et les normalise
dans un schéma unique, puis les exporte ou les sert via une API.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("aapwatch v0.1.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.aapwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&sourcesFile, "sources", "", "source registry YAML (default: embedded registry)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("sources", rootCmd.PersistentFlags().Lookup("sources"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in the config file and AAPWATCH_* environment
// variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.aapwatch")
			viper.SetConfigType("yaml")
			viper.SetConfigName("config")
		}
	}

	viper.SetEnvPrefix("AAPWATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// buildPipeline assembles a ready-to-run ingestion pipeline from the
// registry and the optional AI settings.
func buildPipeline() (*ingest.Pipeline, error) {
	reg, err := ingest.LoadRegistry(viper.GetString("sources"))
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	fetcher := ingest.NewHTTPFetcher(ingest.FetchConfig{})
	pipeline := ingest.NewPipeline(reg, fetcher, ingest.NewNormalizer(nil))

	provider, err := aiProvider()
	if err != nil {
		return nil, err
	}
	if provider != nil {
		pipeline.Enricher = ai.NewEnricher(provider)
	}

	return pipeline, nil
}

// aiProvider builds the configured AI backend, or nil when disabled.
// Settings come from config keys ai.* or AAPWATCH_AI_* env vars.
func aiProvider() (ai.Provider, error) {
	backend := viper.GetString("ai.backend")
	if backend == "" {
		return nil, nil
	}
	return ai.NewProvider(ai.Config{
		Backend:    backend,
		BaseURL:    viper.GetString("ai.base_url"),
		APIKey:     viper.GetString("ai.api_key"),
		GenModel:   viper.GetString("ai.gen_model"),
		EmbedModel: viper.GetString("ai.embed_model"),
	})
}
