package flag

import (
	"fmt"
	"os"

	"github.com/chunkmeta/chunkmeta/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultGRPCPort = 50051
)

func GRPCAddr(cmd *cobra.Command, conf *string) {
	cmd.Flags().StringVarP(conf, "grpc-addr", "g", fmt.Sprintf("0.0.0.0:%d", DefaultGRPCPort), "GRPC service bind address")
}

// Logging registers --log-level and --log-json on cmd and all its children.
func Logging(cmd *cobra.Command, level *string) {
	cmd.PersistentFlags().StringVar(level, "log-level", utils.DefaultLogLevel.String(), "Log level")
	cmd.PersistentFlags().BoolVar(&utils.LogJson, "log-json", false, "Log in JSON instead of the console format")
}

// ConfigureLogging applies the logging flags.
func ConfigureLogging(level string) error {
	parsed, err := utils.ParseLogLevel(level)
	if err != nil {
		return err
	}
	utils.LogLevel = parsed
	utils.ConfigureLogger()
	return nil
}

// ConfigFile registers --config.
func ConfigFile(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", "", "YAML config file, flags given on the command line override it")
}

// LoadConfigFile decodes the YAML file at path into conf. Flags that were set
// on the command line are applied again afterwards so they win over the file.
func LoadConfigFile(cmd *cobra.Command, path string, conf any) error {
	if path == "" {
		return nil
	}
	overrides := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		overrides[f.Name] = f.Value.String()
	})
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for name, value := range overrides {
		if err := cmd.Flags().Set(name, value); err != nil {
			return err
		}
	}
	return nil
}
