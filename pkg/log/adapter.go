// Package log routes the logging hooks of third-party libraries into logrus.
package log

import (
	"github.com/chromedp/chromedp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// BadgerLogrusAdapter satisfies badger.Logger. Badger's own info chatter
// (compactions, value log replay) is demoted to debug.
type BadgerLogrusAdapter struct {
	entry *logrus.Entry
}

// NewBadgerLogrusAdapter wraps entry for badger.Options.WithLogger
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry: entry}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...any)   { l.entry.Errorf(f, v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...any) { l.entry.Warnf(f, v...) }
func (l *BadgerLogrusAdapter) Infof(f string, v ...any)    { l.entry.Debugf(f, v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...any)   { l.entry.Tracef(f, v...) }

// KafkaLoggers returns the kafka-go info and error loggers backed by entry.
// Broker chatter goes to debug.
func KafkaLoggers(entry *logrus.Entry) (kafka.Logger, kafka.Logger) {
	return kafka.LoggerFunc(entry.Debugf), kafka.LoggerFunc(entry.Errorf)
}

// ChromedpOptions routes browser context logs to logrus.
// chromedp reports unknown CDP events through errorf, so those land at warn.
func ChromedpOptions(entry *logrus.Entry) []chromedp.ContextOption {
	return []chromedp.ContextOption{
		chromedp.WithLogf(entry.Debugf),
		chromedp.WithErrorf(entry.Warnf),
	}
}
