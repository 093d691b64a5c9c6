package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/haolipeng/waf_detector/pkg/config"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

var lintFlags struct {
	format string
}

var lintCmd = &cobra.Command{
	Use:   "lint [path]",
	Short: "Check rule files",
	Long: `Parse rule files, print per-section diagnostics and compile the merged
ruleset. The path may be a single file or a directory; it defaults to
rule_engine.rule_directory from the config file.

Examples:
  # Check the configured rule directory
  waf_detector lint

  # Check one file and print JSON diagnostics
  waf_detector lint rules/base.yaml --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: lintRules,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().StringVar(&lintFlags.format, "format", "text", "output format: text, json")
}

func lintRules(cmd *cobra.Command, args []string) error {
	if lintFlags.format != "text" && lintFlags.format != "json" {
		return fmt.Errorf("unsupported format: %s", lintFlags.format)
	}

	engineCfg := waf.DefaultConfig()
	var target string
	if len(args) == 1 {
		target = args[0]
		if cfg, err := config.LoadConfig(cfgFile); err == nil {
			engineCfg = cfg.Engine()
		}
	} else {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		target = cfg.RuleEngine.RuleDirectory
		engineCfg = cfg.Engine()
	}

	docs, loadErr := loadDocuments(target)
	if len(docs) == 0 && loadErr != nil {
		return loadErr
	}

	builder := waf.NewBuilder(engineCfg)
	defer builder.Close()

	out := cmd.OutOrStdout()
	report := make(map[string]interface{}, len(docs))
	failed := loadErr != nil
	for _, doc := range docs {
		diag, err := builder.AddOrUpdateConfig(doc.Path, &doc.Object)
		if err != nil || diag.Err() != nil {
			failed = true
		}
		if lintFlags.format == "json" {
			report[doc.Path] = diag.ToObject()
			continue
		}
		printDiagnostics(out, doc.Path, diag, err)
	}

	inst, buildErr := builder.Build()
	if buildErr == nil {
		defer inst.Close()
	}

	if lintFlags.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else if buildErr == nil {
		fmt.Fprintf(out, "ruleset compiled: %d rules, %d addresses\n", inst.RuleCount(), len(inst.KnownAddresses()))
	}

	if loadErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "load errors:\n%v\n", loadErr)
	}
	if buildErr != nil {
		return fmt.Errorf("failed to compile ruleset: %w", buildErr)
	}
	if failed {
		return errors.New("rule files contain errors")
	}
	return nil
}

// loadDocuments 加载单个文件或整个目录
func loadDocuments(path string) ([]*ruleset.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	loader := ruleset.NewLoader()
	if info.IsDir() {
		return loader.LoadDirectory(path)
	}
	doc, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*ruleset.Document{doc}, nil
}

func printDiagnostics(w io.Writer, path string, diag ruleset.Diagnostics, err error) {
	fmt.Fprintf(w, "%s\n", path)
	if diag.Version != "" {
		fmt.Fprintf(w, "  ruleset_version: %s\n", diag.Version)
	}
	diag.EachFeature(func(section string, f *ruleset.Feature) {
		if f.Error != "" {
			fmt.Fprintf(w, "  %s: error: %s\n", section, f.Error)
			return
		}
		fmt.Fprintf(w, "  %s: %d loaded, %d failed, %d skipped\n", section, len(f.Loaded), len(f.Failed), len(f.Skipped))
		printMessages(w, "error", f.Errors)
		printMessages(w, "warning", f.Warnings)
	})
	if err != nil {
		fmt.Fprintf(w, "  rejected: %v\n", err)
	}
}

func printMessages(w io.Writer, kind string, messages map[string][]string) {
	keys := make([]string, 0, len(messages))
	for msg := range messages {
		keys = append(keys, msg)
	}
	sort.Strings(keys)
	for _, msg := range keys {
		fmt.Fprintf(w, "    %s: %s %v\n", kind, msg, messages[msg])
	}
}
