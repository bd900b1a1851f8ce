package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/utils"
	"github.com/MXWXZ/plugd/utils/log"
	"github.com/MXWXZ/plugd/validator"

	"github.com/spf13/cobra"
	"github.com/ztrue/tracerr"
)

var packCmd = &cobra.Command{
	Use:   "pack $folder $output",
	Short: "Validate a plugin folder and zip it into an installable package",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := pack(args[0], args[1]); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(packCmd)
}

func pack(src string, dst string) error {
	src = filepath.Clean(src)
	m, err := manifest.Load(src)
	if err != nil {
		return err
	}
	entry, lang, err := m.Entry()
	if err != nil {
		return tracerr.Wrap(err)
	}
	code, err := os.ReadFile(entry)
	if err != nil {
		return tracerr.Wrap(err)
	}
	rules := validator.RulesFor(m, filepath.Base(entry), blockedFromConfig())
	if err := validator.Validate(lang, code, security.ForLevel(m.Level), rules); err != nil {
		return err
	}

	if !strings.HasSuffix(dst, ".zip") {
		dst += ".zip"
	}
	out, err := os.Create(dst)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer out.Close()
	err = utils.Zip(src, out, func(name string) {
		log.New().WithField("file", name).Debug("Add file")
	})
	if err != nil {
		os.Remove(dst)
		return err
	}
	log.New().WithFields(log.F{
		"id":      m.ID,
		"version": m.Version,
		"output":  dst,
	}).Info("Plugin packed")
	return nil
}
