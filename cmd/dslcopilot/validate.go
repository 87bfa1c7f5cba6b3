package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/dsl-copilot/internal/app"
	"github.com/ashureev/dsl-copilot/internal/codegen"
)

var errInvalidCode = errors.New("code did not validate")

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a source file with the configured validator",
	Long: `Runs the configured validator on a file ("-" or no argument reads stdin)
and prints the verdict as JSON. Exits non-zero when the code is rejected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("language", "l", "", "Language of the file (defaults to CODE_LANGUAGE)")
	validateCmd.Flags().String("backend", "", "Validator backend: local, grpc or docker")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Validator.Backend = backend
	}
	language, _ := cmd.Flags().GetString("language")
	if language == "" {
		language = cfg.CodeGen.Language
	}

	var src []byte
	if len(args) == 0 || args[0] == "-" {
		src, err = io.ReadAll(cmd.InOrStdin())
	} else {
		src, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	val, cleanup, err := app.NewValidator(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := val.Validate(cmd.Context(), codegen.ValidateRequest{Input: string(src), Language: language})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Passed() {
		return errInvalidCode
	}
	return nil
}
