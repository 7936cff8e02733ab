package reply

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"timelessbot/pkg/queue"
)

// Formatter renders replies in one locale and currency.
type Formatter struct {
	printer  *message.Printer
	currency currency.Unit
}

// NewFormatter builds a formatter for a locale with a registered catalog,
// such as "pt-BR", and an ISO 4217 currency code such as "BRL".
func NewFormatter(locale, currencyCode string) (*Formatter, error) {
	tags, err := Locales()
	if err != nil {
		return nil, err
	}

	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return nil, fmt.Errorf("parse reply locale %q: %w", locale, err)
	}

	_, index, confidence := language.NewMatcher(tags).Match(tag)
	if confidence < language.High {
		return nil, fmt.Errorf("no reply catalog for locale %q", locale)
	}

	unit, err := currency.ParseISO(strings.TrimSpace(currencyCode))
	if err != nil {
		return nil, fmt.Errorf("parse reply currency %q: %w", currencyCode, err)
	}

	return &Formatter{
		printer:  message.NewPrinter(tags[index]),
		currency: unit,
	}, nil
}

func (f *Formatter) Processing() string {
	return f.printer.Sprintf(KeyProcessing)
}

func (f *Formatter) TranscriptionFailed() string {
	return f.printer.Sprintf(KeyTranscriptionFailed)
}

// NotRegistered is the fixed apology for any failed transaction.
func (f *Formatter) NotRegistered() string {
	return f.printer.Sprintf(KeyNotRegistered)
}

// Amount renders value in the formatter currency with two fraction digits,
// for example "R$ 35,00".
func (f *Formatter) Amount(value float64) string {
	return f.printer.Sprint(currency.Symbol(f.currency.Amount(value)))
}

// DirectionLabel maps IN and OUT onto their fixed labels. Any other value is
// returned unchanged.
func (f *Formatter) DirectionLabel(direction queue.Direction) string {
	switch direction {
	case queue.DirectionIn:
		return f.printer.Sprintf(KeyDirectionIn)
	case queue.DirectionOut:
		return f.printer.Sprintf(KeyDirectionOut)
	default:
		return string(direction)
	}
}

// TransactionAdded renders the success message for a registered transaction.
func (f *Formatter) TransactionAdded(fields queue.Fields) string {
	return f.printer.Sprintf(KeyTransactionAdded,
		strings.TrimSpace(fields.Description),
		f.Amount(fields.Amount),
		f.DirectionLabel(fields.Direction),
	)
}
