package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Danktronics/Influo/internal/config"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate an Influo configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadAndValidateConfig(args[0]); err != nil {
			return err
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}

// loadAndValidateConfig loads path and runs the structural validations
// json.Unmarshal alone cannot enforce. A load failure is returned wrapped in
// config.ErrConfigMissing; validation errors are each printed to stdout and
// reported through a single error carrying their count.
func loadAndValidateConfig(path string) (*config.Configuration, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigMissing, err)
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, nil
}
