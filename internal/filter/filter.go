// Package filter defines the Filter collaborator interface spec §6
// describes as living outside the core but directly in its pipeline:
// create_instance -> new_session -> {route_query, client_reply}* ->
// close_session -> free_session. Filter implementations never see backend
// selection or session-command fan-out, only the statement bytes flowing
// each direction. Neither internal/router nor cmd/maxscaled constructs a
// Chain: Dispatch does not call any filter, and the one implementation,
// internal/filter/rescache, runs only under its own tests.
package filter

// Outcome is what a filter's RouteQuery decided to do with a statement.
type Outcome int

const (
	// Forwarded means the core should continue dispatching the statement
	// to a backend as normal.
	Forwarded Outcome = iota
	// ShortCircuited means the filter is answering the client directly;
	// the core must not contact any backend for this statement.
	ShortCircuited
)

// Decision is RouteQuery's result.
type Decision struct {
	Outcome Outcome
	Reply   []byte // wire-framed reply bytes, only meaningful when ShortCircuited
}

// Session is the per-client-connection instance of one Filter, created by
// NewSession and torn down by CloseSession/FreeSession in that order.
type Session interface {
	// RouteQuery inspects (and may rewrite) an outbound statement before
	// the core dispatches it.
	RouteQuery(cmd byte, payload []byte) (Decision, error)
	// ClientReply observes a reply before it reaches the client, for
	// filters that cache or transform results. It never changes routing.
	ClientReply(cmd byte, payload []byte, reply []byte)
	// CloseSession releases per-session resources; the session object
	// itself is freed immediately after by FreeSession.
	CloseSession()
}

// Filter is a filter definition capable of producing per-connection
// Sessions (the create_instance stage of the pipeline).
type Filter interface {
	// NewSession starts a per-connection Session, identified by identity
	// for logging/metrics correlation.
	NewSession(identity string) Session
}

// Chain runs an ordered list of Filters' Sessions for one client
// connection, in configured order for RouteQuery and reverse order for
// ClientReply (matching the teacher's onion-shaped middleware ordering).
type Chain struct {
	sessions []Session
}

// NewChain instantiates a Session from every configured Filter for one new
// client connection.
func NewChain(filters []Filter, identity string) *Chain {
	c := &Chain{sessions: make([]Session, len(filters))}
	for i, f := range filters {
		c.sessions[i] = f.NewSession(identity)
	}
	return c
}

// RouteQuery runs every session's RouteQuery in order, stopping at the
// first short-circuit.
func (c *Chain) RouteQuery(cmd byte, payload []byte) (Decision, error) {
	for _, s := range c.sessions {
		d, err := s.RouteQuery(cmd, payload)
		if err != nil {
			return Decision{}, err
		}
		if d.Outcome == ShortCircuited {
			return d, nil
		}
	}
	return Decision{Outcome: Forwarded}, nil
}

// ClientReply runs every session's ClientReply in reverse registration
// order, so the filter closest to the backend observes the reply first.
func (c *Chain) ClientReply(cmd byte, payload []byte, reply []byte) {
	for i := len(c.sessions) - 1; i >= 0; i-- {
		c.sessions[i].ClientReply(cmd, payload, reply)
	}
}

// Close tears down every session (close_session -> free_session; this
// package has no separate free step since Go sessions are garbage
// collected once the Chain itself is dropped).
func (c *Chain) Close() {
	for _, s := range c.sessions {
		s.CloseSession()
	}
}
