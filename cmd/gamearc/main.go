// Command gamearc reads, repacks, and patches the proprietary two-file game
// archive format (index + data).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/arkvault/gamearc"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"extract": {extract},
		"repack":  {repack},
		"patch":   {patch},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "gamearc [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\textract  - read entries from an archive (info, list-dt, list-orphans, compare, extract-all, extract-list)\n")
		fmt.Fprintf(os.Stderr, "\trepack   - build a fresh index+data pair from a directory or file list\n")
		fmt.Fprintf(os.Stderr, "\tpatch    - replace entries in an existing archive in place\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: gamearc <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := gamearc.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return gamearc.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
