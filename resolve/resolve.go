// Package resolve implements the conflict-resolution strategy
// interface consumed by the server replication service (replica) on
// a version collision. Resolvers are pure: no I/O, no state beyond
// the Conflict passed in.
package resolve

import "github.com/go-mizu/syncd/proto"

// Outcome names which side a Resolver chose.
type Outcome string

const (
	TakeClient Outcome = "takeClient"
	TakeServer Outcome = "takeServer"
	Merged     Outcome = "merged"
)

// Resolution is the verdict returned by a Resolver.
type Resolution struct {
	Outcome    Outcome
	MergedCbor []byte // set only when Outcome == Merged
}

// Resolver decides how to settle one conflict. Implementations must
// not perform I/O or consult anything beyond the Conflict argument.
type Resolver interface {
	Resolve(c proto.Conflict) Resolution
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(c proto.Conflict) Resolution

func (f ResolverFunc) Resolve(c proto.Conflict) Resolution { return f(c) }

// ServerWins always keeps the server's existing value. This is the
// default resolver.
var ServerWins Resolver = ResolverFunc(func(proto.Conflict) Resolution {
	return Resolution{Outcome: TakeServer}
})

// ClientWins always accepts the incoming client operation.
var ClientWins Resolver = ResolverFunc(func(proto.Conflict) Resolution {
	return Resolution{Outcome: TakeClient}
})

// MaxClockSkew documents the tolerated disagreement between client
// wall clocks assumed by LastWriteWins. It does not affect which side
// wins — spec.md defines that comparison precisely — it is metadata a
// caller may log or alert on when the gap exceeds it.
const MaxClockSkew = 5 * 60 * 1000 // milliseconds

// LastWriteWins compares the client operation's timestamp against the
// server's last-modified time and keeps whichever is newer; ties go
// to the server.
var LastWriteWins Resolver = ResolverFunc(func(c proto.Conflict) Resolution {
	if c.ServerState.LastModified == nil {
		return Resolution{Outcome: TakeClient}
	}
	if c.ClientOp.TimestampMs > *c.ServerState.LastModified {
		return Resolution{Outcome: TakeClient}
	}
	return Resolution{Outcome: TakeServer}
})

// Custom wraps a user-supplied function as a Resolver.
func Custom(fn func(proto.Conflict) Resolution) Resolver {
	return ResolverFunc(fn)
}
