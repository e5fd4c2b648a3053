// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
	"github.com/tsuzuki-app/tsuzuki/internal/xdg"
)

// manifestInfo describes one discovered extension manifest.
type manifestInfo struct {
	Dir          string   `json:"dir"`
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Type         string   `json:"type,omitempty"`
	Contract     string   `json:"contract,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// extensionsConfig holds configuration for the extensions subcommands.
type extensionsConfig struct {
	dir        string
	jsonOutput bool
}

// NewExtensionsCmd creates the extensions subcommand tree.
func NewExtensionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extensions",
		Short: "Inspect and validate installed extensions",
	}

	cmd.AddCommand(newExtensionsListCmd())
	cmd.AddCommand(newExtensionsValidateCmd())

	return cmd
}

// newExtensionsListCmd creates the extensions list subcommand.
func newExtensionsListCmd() *cobra.Command {
	cfg := &extensionsConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extensions found in the extensions directory",
		Long: `List extensions by reading their manifests from disk.
Does NOT start the host or run any extension code.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtensionsList(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.dir, "extensions-dir", "", "extensions directory (default: XDG_DATA_HOME/tsuzuki/extensions)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")

	return cmd
}

// runExtensionsList executes the extensions list command.
func runExtensionsList(cmd *cobra.Command, cfg *extensionsConfig) error {
	dir := cfg.dir
	if dir == "" {
		dir = xdg.ExtensionsDir()
	}

	infos, err := scanManifests(dir)
	if err != nil {
		return err
	}

	var output string
	if cfg.jsonOutput {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal extension list: %w", err)
		}
		output = string(data)
	} else {
		output = formatExtensionsTable(infos)
	}

	cmd.Println(output)
	return nil
}

// scanManifests reads every extension.yaml under dir without loading
// anything. Parse failures become rows, not errors.
func scanManifests(dir string) ([]manifestInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var infos []manifestInfo
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, de.Name(), registry.ManifestName)) //nolint:gosec // path is constructed from ReadDir entries
		if os.IsNotExist(err) {
			continue
		}
		info := manifestInfo{Dir: de.Name()}
		if err != nil {
			info.Error = err.Error()
			infos = append(infos, info)
			continue
		}

		m, err := extension.ParseManifest(data)
		if err != nil {
			info.Error = err.Error()
			infos = append(infos, info)
			continue
		}

		info.ID = m.ID
		info.Name = m.Name
		info.Type = string(m.Type)
		info.Contract = m.Contract
		info.Capabilities = m.Capabilities
		infos = append(infos, info)
	}
	return infos, nil
}

// formatExtensionsTable formats manifests as a human-readable table.
func formatExtensionsTable(infos []manifestInfo) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tCONTRACT\tCAPABILITIES")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t--------\t------------")

	for _, info := range infos {
		if info.Error != "" {
			_, _ = fmt.Fprintf(w, "%s\t(invalid)\t-\t-\t%s\n", info.Dir, info.Error)
			continue
		}
		caps := "-"
		if len(info.Capabilities) > 0 {
			caps = strings.Join(info.Capabilities, ",")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.ID, info.Name, info.Type, info.Contract, caps)
	}

	_ = w.Flush()
	return buf.String()
}

// newExtensionsValidateCmd creates the extensions validate subcommand.
func newExtensionsValidateCmd() *cobra.Command {
	cfg := &extensionsConfig{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate extension manifests without starting the host",
		Long: `Validates every extension.yaml under the extensions directory,
including JSON Schema conformance and artifact paths.
Exits with code 0 on success, non-zero on failure.

Useful in CI pipelines to catch manifest errors early:
  tsuzuki extensions validate`,
		RunE: func(_ *cobra.Command, _ []string) error {
			dir := cfg.dir
			if dir == "" {
				dir = xdg.ExtensionsDir()
			}
			return runExtensionsValidate(dir)
		},
	}

	cmd.Flags().StringVar(&cfg.dir, "extensions-dir", "", "extensions directory (default: XDG_DATA_HOME/tsuzuki/extensions)")

	return cmd
}

// runExtensionsValidate checks every manifest under dir.
func runExtensionsValidate(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	checked := 0
	ids := map[string]string{}
	var problems []string
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}

		extDir := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(filepath.Join(extDir, registry.ManifestName)) //nolint:gosec // path is constructed from ReadDir entries
		if os.IsNotExist(err) {
			continue
		}
		checked++
		if err != nil {
			problems = append(problems, fmt.Sprintf("  %s: %v", de.Name(), err))
			continue
		}

		if err := extension.ValidateSchema(data); err != nil {
			problems = append(problems, fmt.Sprintf("  %s: %s", de.Name(), extension.FormatSchemaError(err)))
			continue
		}

		m, err := extension.ParseManifest(data)
		if err != nil {
			problems = append(problems, fmt.Sprintf("  %s: %v", de.Name(), err))
			continue
		}

		if prev, ok := ids[m.ID]; ok {
			problems = append(problems, fmt.Sprintf("  %s: id %q already used by %s", de.Name(), m.ID, prev))
			continue
		}
		ids[m.ID] = de.Name()

		if err := checkArtifact(extDir, m); err != nil {
			problems = append(problems, fmt.Sprintf("  %s: %v", de.Name(), err))
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			slog.Error("manifest validation failed", "detail", p)
		}
		return fmt.Errorf("validation failed: %d of %d manifests invalid", len(problems), checked)
	}

	slog.Info("all extension manifests valid", "count", checked)
	return nil
}

// checkArtifact verifies the manifest's entry point exists inside the
// extension directory.
func checkArtifact(extDir string, m *extension.Manifest) error {
	var rel string
	switch m.Type {
	case extension.TypeWasm:
		rel = m.Wasm.Artifact
	case extension.TypeLua:
		rel = m.Lua.Entry
	}

	if _, err := os.Stat(filepath.Join(extDir, rel)); err != nil {
		return fmt.Errorf("artifact %s: %w", rel, err)
	}
	return nil
}
