package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Recognizer holds the language-understanding app settings for one language.
type Recognizer struct {
	Endpoint string `json:"endpoint"`
	AppID    string `json:"appId"`
	Key      string `json:"key"`
}

func (r Recognizer) valid() bool {
	return r.Endpoint != "" && r.AppID != "" && r.Key != ""
}

// Secrets is everything the bot keeps out of its environment.
type Secrets struct {
	AppPassword string
	Recognizers map[string]Recognizer
}

// appPasswordPayload is the JSON shape stored for the bot's app password.
type appPasswordPayload struct {
	Password string `json:"password"`
}

// AppPasswordName is the parameter holding the bot's app password.
func AppPasswordName(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/microsoft-app-password"
}

// RecognizerName is the parameter holding the recognizer settings for lang.
func RecognizerName(prefix, lang string) string {
	return strings.TrimRight(prefix, "/") + "/luis/" + lang
}

// Load fetches the app password and a recognizer per language in one batch.
// Languages without a recognizer parameter are skipped; the default language
// must have one.
func Load(ctx context.Context, g Getter, prefix string, languages []string, defaultLang string) (Secrets, error) {
	if g == nil {
		return Secrets{}, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return Secrets{}, errors.New("paramstore: parameter prefix must not be empty")
	}

	names := []string{AppPasswordName(prefix)}
	for _, lang := range languages {
		names = append(names, RecognizerName(prefix, lang))
	}
	values, err := g.GetParameters(ctx, names...)
	if err != nil {
		return Secrets{}, err
	}

	raw, ok := values[AppPasswordName(prefix)]
	if !ok {
		return Secrets{}, fmt.Errorf("paramstore: %s not found", AppPasswordName(prefix))
	}
	var pw appPasswordPayload
	if err := json.Unmarshal([]byte(raw), &pw); err != nil {
		return Secrets{}, fmt.Errorf("paramstore: unmarshal app password as JSON: %w", err)
	}
	if pw.Password == "" {
		return Secrets{}, errors.New("paramstore: app password is empty")
	}

	secrets := Secrets{AppPassword: pw.Password, Recognizers: make(map[string]Recognizer, len(languages))}
	for _, lang := range languages {
		raw, ok := values[RecognizerName(prefix, lang)]
		if !ok {
			continue
		}
		var r Recognizer
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return Secrets{}, fmt.Errorf("paramstore: unmarshal recognizer %q: %w", lang, err)
		}
		if !r.valid() {
			return Secrets{}, fmt.Errorf("paramstore: recognizer %q needs endpoint, appId and key", lang)
		}
		secrets.Recognizers[lang] = r
	}
	if _, ok := secrets.Recognizers[defaultLang]; !ok {
		return Secrets{}, fmt.Errorf("paramstore: no recognizer for default language %q", defaultLang)
	}
	return secrets, nil
}
