// Command binspector analyzes a binary file against a template and either
// reports on it or fuzzes it. The template parser, pretty-printers and
// REPL are external collaborators this binary does not implement; it only
// wires option parsing to the analysis/fuzz engine.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/binspector/binspector"
	"github.com/binspector/binspector/internal/bitreader"
)

type options struct {
	template        string
	input           string
	outputMode      string
	includes        []string
	outputDirectory string
	path            string
	quiet           bool
	startingStruct  string
	pathHash        bool
	fuzzRecurse     bool
}

func main() {
	opts := &options{}
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	root := &cobra.Command{
		Use:           "binspector",
		Short:         "Binary format inspector and fuzzer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, logger)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.template, "template", "t", "", "template file (required)")
	flags.StringVarP(&opts.input, "input", "i", "", "binary file (required except for template-only modes)")
	flags.StringVarP(&opts.outputMode, "output-mode", "m", "cli", "one of cli, text, html, validate, fuzz, dot")
	flags.StringSliceVarP(&opts.includes, "include", "I", nil, "additional template include search path (repeatable)")
	flags.StringVarP(&opts.outputDirectory, "output-directory", "o", ".", "output root for fuzz/dot")
	flags.StringVarP(&opts.path, "path", "p", "", "with -m text, restrict dump to a path")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress notify/summary")
	flags.StringVarP(&opts.startingStruct, "starting-struct", "s", "main", "root struct for analysis")
	flags.BoolVarP(&opts.pathHash, "path-hash", "h", false, "hash output file names (fuzz)")
	flags.BoolVarP(&opts.fuzzRecurse, "fuzz-recurse", "r", false, "recursive fuzz mode (implies -h)")
	flags.SortFlags = false

	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cmd.Short)
		fmt.Fprintln(os.Stdout, cmd.UsageString())
	})

	if err := root.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func run(opts *options, logger *logrus.Logger) error {
	if opts.template == "" {
		return fmt.Errorf("a template is required (-t/--template)")
	}
	if opts.fuzzRecurse {
		opts.pathHash = true
	}

	ast, err := loadTemplate(opts.template, opts.includes)
	if err != nil {
		return err
	}

	if opts.outputMode != "fuzz" && opts.outputMode != "validate" && opts.outputMode != "cli" && opts.outputMode != "text" {
		return fmt.Errorf("output mode %q is not implemented by this engine (pretty-printing/graph export are external collaborators)", opts.outputMode)
	}

	if opts.input == "" {
		return fmt.Errorf("an input binary is required for output mode %q", opts.outputMode)
	}

	f, err := os.Open(opts.input)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := bitreader.New(f)
	if err != nil {
		return err
	}

	forest, ok, err := binspector.Analyze(ast, reader, binspector.AnalyzeOptions{
		StartingStruct: opts.startingStruct,
		Quiet:          opts.quiet,
		Logger:         logger,
	})
	if err != nil {
		logger.Error(err)
	}

	switch opts.outputMode {
	case "fuzz":
		surface := binspector.BuildAttackSurface(forest)
		if err := binspector.Fuzz(surface, binspector.FuzzOptions{
			InputPath: opts.input,
			OutputDir: opts.outputDirectory,
			PathHash:  opts.pathHash,
			Recurse:   opts.fuzzRecurse,
		}); err != nil {
			return err
		}
	case "text":
		dumpText(forest, opts.path)
	}

	if !ok {
		os.Exit(1)
	}
	return nil
}

// dumpText is a minimal stand-in for the (out of scope) pretty-printer,
// just enough to make -m text useful without a templating/HTML layer.
func dumpText(forest *binspector.Forest, path string) {
	forest.FullOrder(forest.Root(), func(v binspector.Visit) {
		if v.Edge != binspector.Leading {
			return
		}
		p := forest.Path(v.Node)
		if path != "" && (len(p) < len(path) || p[:len(path)] != path) {
			return
		}
		fmt.Printf("%*s%s\n", v.Depth*2, "", p)
	})
}

// loadTemplate is the seam where the external template parser plugs in;
// this engine only consumes its output (see ast.go's StructureMap).
func loadTemplate(path string, includes []string) (binspector.StructureMap, error) {
	return nil, fmt.Errorf("loading template %q: the template parser is an external collaborator not implemented by this engine", path)
}
