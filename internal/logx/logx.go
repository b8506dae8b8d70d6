package logx

import (
	"context"

	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	hostKey contextKey = iota
	sessionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithHost annotates the logger with the device host if present.
func WithHost(log pslog.Logger, host schema.Host) pslog.Logger {
	if host != "" {
		log = log.With("host", host)
	}
	return log
}

// WithSession annotates the logger with a session sequence when set.
func WithSession(log pslog.Logger, seq schema.SessionSeq) pslog.Logger {
	if seq != 0 {
		log = log.With("session", uint64(seq))
	}
	return log
}

// WithRemote annotates the logger with the remote address of a connection.
func WithRemote(log pslog.Logger, remote string) pslog.Logger {
	if remote != "" {
		log = log.With("remote", remote)
	}
	return log
}

// FromContext returns the context logger annotated with host and session
// markers stored on ctx.
func FromContext(ctx context.Context) pslog.Logger {
	log := pslog.Ctx(ctx)
	if host, ok := ctx.Value(hostKey).(schema.Host); ok {
		log = WithHost(log, host)
	}
	if seq, ok := ctx.Value(sessionKey).(schema.SessionSeq); ok {
		log = WithSession(log, seq)
	}
	return log
}

// ContextWithSession stores host and session markers on the context.
func ContextWithSession(ctx context.Context, host schema.Host, seq schema.SessionSeq) context.Context {
	if ctx == nil {
		return ctx
	}
	if host != "" {
		ctx = context.WithValue(ctx, hostKey, host)
	}
	if seq != 0 {
		ctx = context.WithValue(ctx, sessionKey, seq)
	}
	return ctx
}

// ContextWithLogger attaches the logger and session markers to the context.
func ContextWithLogger(ctx context.Context, log pslog.Logger, host schema.Host, seq schema.SessionSeq) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, host, seq)
}

// TokenHint renders a token for logs without disclosing it.
func TokenHint(token schema.Token) string {
	if len(token) <= 8 {
		return "****"
	}
	return string(token[:8]) + "****"
}
