package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
	Cmd.AddCommand(ServerCmd)
	Cmd.AddCommand(ClientCmd)
}

// GetConfigFile returns the value of the --config flag
func GetConfigFile() string {
	return configFile
}

// writeTemplate writes an embedded template to path, never replacing an existing file.
func writeTemplate(path, kind string, load func() ([]byte, error)) error {
	content, err := load()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("file already exists: %s", path)
	}
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	_, err = f.Write(content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	log.Info().Str("com", "generate").Str("file", path).Msgf("generated %s configuration", kind)
	return nil
}
