package translator

import (
	"embed"
	"io/fs"
	"sync"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/utils/log"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/ztrue/tracerr"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

var (
	Translator *i18n.Bundle // plugd i18n
	once       sync.Once
)

//go:embed translate/*.yml
var i18nFiles embed.FS

func NewLocalizer(lang ...string) *i18n.Localizer {
	New()
	return i18n.NewLocalizer(Translator, lang...)
}

// New loads the embedded message files, safe to call more than once.
func New() {
	once.Do(func() {
		Translator = i18n.NewBundle(language.English)
		Translator.RegisterUnmarshalFunc("yml", yaml.Unmarshal)
		err := fs.WalkDir(i18nFiles, "translate", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return tracerr.Wrap(err)
			}
			if !d.IsDir() {
				b, err := i18nFiles.ReadFile(path)
				if err != nil {
					return tracerr.Wrap(err)
				}
				if _, err := Translator.ParseMessageFileBytes(b, d.Name()); err != nil {
					return tracerr.Wrap(err)
				}
				log.New().Debugf("Language %v loaded", d.Name())
			}
			return nil
		})
		if err != nil {
			log.NewEntry(err).Fatal("Failed to read localize files")
		}
	})
}

// TranslateString translate string to target language.
// If error happened, return untranslated string.
func TranslateString(t *i18n.Localizer, s string) string {
	ret, err := t.Localize(&i18n.LocalizeConfig{
		MessageID: s,
	})
	if err != nil {
		log.NewEntry(tracerr.Wrap(err)).WithField("messageID", s).
			Warn("Failed to localize string")
		return s
	}
	return ret
}

// TranslateCode returns the localized message of code.
func TranslateCode(t *i18n.Localizer, c fault.Code) string {
	return TranslateString(t, c.MsgID())
}
