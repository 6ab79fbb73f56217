package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's internal logging into zap. Each pion scope
// (ice, dtls, turn, ...) becomes a named child logger.
func PionFactory(l *zap.SugaredLogger) logging.LoggerFactory {
	return &pionFactory{logger: l}
}

type pionFactory struct {
	logger *zap.SugaredLogger
}

func (f *pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.logger.Named(scope)}
}

type pionLogger struct {
	l *zap.SugaredLogger
}

// zap has no trace level; trace goes to debug.
func (p *pionLogger) Trace(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
