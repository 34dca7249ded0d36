package main

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// levelSwitch hands out loggers whose level can change while they are in
// use, so a config reload reaches loggers already held by running actors.
type levelSwitch struct {
	base    pslog.Logger
	current atomic.Pointer[pslog.Logger]
}

func newLevelSwitch(base pslog.Logger) *levelSwitch {
	s := &levelSwitch{base: base}
	s.current.Store(&base)
	return s
}

// Set applies level to every logger handed out by Logger.
func (s *levelSwitch) Set(level pslog.Level) {
	l := s.base.LogLevel(level)
	s.current.Store(&l)
}

// Logger returns a logger that follows Set.
func (s *levelSwitch) Logger() pslog.Logger {
	return &switchedLogger{sw: s}
}

func (s *levelSwitch) load() pslog.Logger {
	return *s.current.Load()
}

type switchedLogger struct {
	sw        *levelSwitch
	fields    []any
	withLevel bool
}

func (l *switchedLogger) resolve() pslog.Logger {
	out := l.sw.load()
	if len(l.fields) > 0 {
		out = out.With(l.fields...)
	}
	if l.withLevel {
		out = out.WithLogLevel()
	}
	return out
}

func (l *switchedLogger) Trace(msg string, args ...any) { l.resolve().Trace(msg, args...) }
func (l *switchedLogger) Debug(msg string, args ...any) { l.resolve().Debug(msg, args...) }
func (l *switchedLogger) Info(msg string, args ...any)  { l.resolve().Info(msg, args...) }
func (l *switchedLogger) Warn(msg string, args ...any)  { l.resolve().Warn(msg, args...) }
func (l *switchedLogger) Error(msg string, args ...any) { l.resolve().Error(msg, args...) }
func (l *switchedLogger) Fatal(msg string, args ...any) { l.resolve().Fatal(msg, args...) }
func (l *switchedLogger) Panic(msg string, args ...any) { l.resolve().Panic(msg, args...) }

func (l *switchedLogger) Log(level pslog.Level, msg string, args ...any) {
	l.resolve().Log(level, msg, args...)
}

func (l *switchedLogger) With(args ...any) pslog.Logger {
	fields := make([]any, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &switchedLogger{sw: l.sw, fields: fields, withLevel: l.withLevel}
}

func (l *switchedLogger) WithLogLevel() pslog.Logger {
	return &switchedLogger{sw: l.sw, fields: l.fields, withLevel: true}
}

// LogLevel pins the returned logger to level; it no longer follows Set.
func (l *switchedLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.resolve().LogLevel(level)
}

func (l *switchedLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.resolve().LogLevelFromEnv(key)
}
