// Package i18n looks up the bot's user-facing sentences per language. English
// sentences are the message keys; other languages come from translations.yaml.
package i18n

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// Message keys.
const (
	SessionTimedOut   = "Your session has timed out."
	SomethingWrong    = "Oops. Something went wrong!"
	PleaseLogin       = "Please login"
	LoginTitle        = "Login"
	Hello             = "Hello!"
	Help              = "Help"
	Introduction      = "I am Moodle Assistant, a bot that answers questions about your assignments and courses. <br/><br/> If you are curious about what I can do, just type 'help' or click on the button below and I will give you the list of questions I can answer!"
	GiveFeedback      = "Give feedback"
	FeedbackPrompt    = "Please give us feedback by clicking on the button below."
	TeamConversation  = "The answer to your query can not be displayed in team conversation. Please ask me the same question in personal chat."
	SignedOut         = "You are now signed out."
	NotUnderstood     = "Sorry, I do not understand"
	LoginFailed       = "We couldn't log you in. Please try again later."
	AnswerUnavailable = "Sorry, the answer to this question is not available for now"
	View              = "View"
)

//go:embed translations.yaml
var translationsYAML []byte

// Translator resolves message keys for a fixed set of languages.
type Translator struct {
	printers    map[string]*message.Printer
	defaultLang string
}

// New builds a Translator for languages. defaultLang must be one of them.
func New(languages []string, defaultLang string) (*Translator, error) {
	return newTranslator(translationsYAML, languages, defaultLang)
}

func newTranslator(raw []byte, languages []string, defaultLang string) (*Translator, error) {
	if len(languages) == 0 {
		return nil, errors.New("i18n: at least one language is required")
	}
	var table map[string]map[string]string
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("i18n: decode translations: %w", err)
	}

	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for lang, entries := range table {
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("i18n: parse language %q: %w", lang, err)
		}
		for key, text := range entries {
			if err := b.SetString(tag, key, text); err != nil {
				return nil, fmt.Errorf("i18n: set %s message: %w", lang, err)
			}
		}
	}

	t := &Translator{
		printers:    make(map[string]*message.Printer, len(languages)),
		defaultLang: strings.ToLower(strings.TrimSpace(defaultLang)),
	}
	for _, lang := range languages {
		lang = strings.ToLower(strings.TrimSpace(lang))
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("i18n: parse language %q: %w", lang, err)
		}
		t.printers[lang] = message.NewPrinter(tag, message.Catalog(b))
	}
	if _, ok := t.printers[t.defaultLang]; !ok {
		return nil, fmt.Errorf("i18n: default language %q is not available", defaultLang)
	}
	return t, nil
}

// T returns the sentence for key in lang, falling back to the default
// language for unknown codes.
func (t *Translator) T(lang, key string) string {
	p, ok := t.printers[lang]
	if !ok {
		p = t.printers[t.defaultLang]
	}
	return p.Sprintf(key)
}
