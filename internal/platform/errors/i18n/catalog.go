// Package i18n renders broker errors in the peer's language. Messages are
// keyed by the stable English text carried in errors.Error.Message.
package i18n

import (
	"sync"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	platformi18n "github.com/louisbranch/browserbridge/internal/platform/i18n"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var registerOnce sync.Once

// register loads every translation into the x/text default catalog.
func register() {
	registerOnce.Do(func() {
		for tag, messages := range translations {
			for key, value := range messages {
				_ = message.SetString(tag, key, value)
			}
		}
	})
}

// Localize renders err for tag. Errors without a code fall back to their
// plain text under CodeUnknown.
func Localize(tag language.Tag, err error) (apperrors.Code, string) {
	if err == nil {
		return "", ""
	}
	coded, ok := apperrors.As(err)
	if !ok {
		return apperrors.CodeUnknown, err.Error()
	}
	text := Message(tag, coded.Message)
	if detail := coded.Metadata[apperrors.MetaDetail]; detail != "" {
		text += ": " + detail
	}
	return coded.Code, text
}

// Message translates a single catalog key. Unknown keys are returned as is.
func Message(tag language.Tag, key string) string {
	register()
	return platformi18n.Printer(tag).Sprintf(key)
}
