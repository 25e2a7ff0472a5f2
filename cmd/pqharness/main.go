// Command pqharness serves the reference ML-KEM / ML-DSA harness over the
// pqmatrix harness protocol and generates known-answer files from it.
//
//	pqharness serve --variant ml-kem-768 kem < request.rsp
//	pqharness genkat --variant ml-dsa-65 --count 10 --out vectors/ml-dsa-65/kat.rsp
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pqmatrix/internal/harness"
	"pqmatrix/internal/kat"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "pqharness:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "pqharness",
		Short:         "Reference harness for pqmatrix known-answer tests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var variant string
	serve := &cobra.Command{
		Use:   "serve --variant ID OP",
		Short: "Answer one harness request read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := reference(variant)
			if err != nil {
				return err
			}
			return harness.Serve(cmd.Context(), h, args[0], stdin, stdout)
		},
	}
	serve.Flags().StringVar(&variant, "variant", "", "variant id, e.g. ml-kem-768")
	_ = serve.MarkFlagRequired("variant")

	var (
		genVariant string
		count      int
		out        string
	)
	genkat := &cobra.Command{
		Use:   "genkat --variant ID [--count N] [--out FILE]",
		Short: "Write a .rsp known-answer file produced by the reference harness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, ok := harness.ReferenceVariant(genVariant)
			if !ok {
				return unknownVariant(genVariant)
			}
			h, err := harness.NewReference(v)
			if err != nil {
				return err
			}
			w := stdout
			if out != "" {
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return kat.Generate(cmd.Context(), w, h, kat.GenerateOptions{Variant: v, Count: count})
		},
	}
	genkat.Flags().StringVar(&genVariant, "variant", "", "variant id, e.g. ml-dsa-65")
	genkat.Flags().IntVar(&count, "count", 10, "number of records")
	genkat.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	_ = genkat.MarkFlagRequired("variant")

	variants := &cobra.Command{
		Use:   "variants",
		Short: "List the variants the reference harness covers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(stdout, strings.Join(harness.ReferenceVariants(), "\n"))
			return err
		},
	}

	root.AddCommand(serve, genkat, variants)
	return root
}

func reference(id string) (*harness.Reference, error) {
	v, ok := harness.ReferenceVariant(id)
	if !ok {
		return nil, unknownVariant(id)
	}
	return harness.NewReference(v)
}

func unknownVariant(id string) error {
	return fmt.Errorf("unknown variant %q (have %s)", id, strings.Join(harness.ReferenceVariants(), ", "))
}
