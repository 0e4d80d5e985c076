package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/watchtower-sec/watchtower/internal/ioc"
	"github.com/watchtower-sec/watchtower/internal/output"
	"github.com/watchtower-sec/watchtower/internal/replay"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/scanner"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// newReplayCommand builds the "replay" subcommand: it re-feeds previously
// emitted JSON-lines documents through the Scanner Adapter only, per the
// Replay Driver's Non-goals carve-out (no Task Table/Hash Cache/DNS map).
func newReplayCommand() *cobra.Command {
	var ruleFiles, iocFiles []string
	var verbosity int
	var silent bool

	cmd := &cobra.Command{
		Use:   "replay FILES...",
		Short: "re-scan previously emitted JSON-lines event documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyVerbosity(cliFlags{verbosity: verbosity, silent: silent})
			return runReplay(args, ruleFiles, iocFiles)
		},
	}

	cmd.Flags().StringSliceVarP(&ruleFiles, "rule-file", "r", nil, "detection/filter rule file (repeatable)")
	cmd.Flags().StringSliceVarP(&iocFiles, "ioc-file", "i", nil, "IoC file (repeatable)")
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase verbosity")
	cmd.Flags().BoolVarP(&silent, "silent", "s", false, "suppress all logging below panic level")
	return cmd
}

func runReplay(files, ruleFiles, iocFiles []string) error {
	fs := afero.NewOsFs()

	var engine rules.Engine
	if len(ruleFiles) > 0 {
		e, err := rules.Load(fs, ruleFiles)
		if err != nil {
			return errors.Wrap(err, "loading rules")
		}
		engine = e
	}

	var iocs *ioc.Set
	if len(iocFiles) > 0 {
		s, err := ioc.Load(fs, iocFiles)
		if err != nil {
			return errors.Wrap(err, "loading iocs")
		}
		iocs = s
	}

	scan := scanner.New(engine, iocs)
	writer := output.NewWriter(os.Stdout)
	driver := replay.New(scan, writer)

	if err := driver.ReplayFiles(fs, files); err != nil {
		return err
	}
	seclog.Infof("replay complete for %d file(s)", len(files))
	return nil
}
