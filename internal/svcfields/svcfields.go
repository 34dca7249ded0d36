package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Common field keys shared by the mailbox, address book and dispatch loops.
const (
	AddressKey = pslog.TrustedString("address")
	OwnerKey   = pslog.TrustedString("owner")
	ActorKey   = pslog.TrustedString("actor")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithActor tags logger with the actor name and the address it serves.
func WithActor(logger pslog.Logger, actor, address string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	kv := make([]any, 0, 4)
	if actor != "" {
		kv = append(kv, ActorKey, actor)
	}
	if address != "" {
		kv = append(kv, AddressKey, address)
	}
	if len(kv) == 0 {
		return logger
	}
	return logger.With(kv...)
}
