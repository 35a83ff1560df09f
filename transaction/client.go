package transaction

// Submitter is the part of Engine a Client drives.
type Submitter interface {
	Submit(req Request) error
	Busy() bool
	Done() bool
	Outcome() Outcome
}

// Client tracks one caller's requests through an engine shared with other
// callers. Because the engine accepts a request only after the previous done
// pulse, the first done pulse after a successful Submit belongs to the
// client that submitted.
//
// Clients must be stepped before the engine.
type Client struct {
	eng      Submitter
	inflight bool
}

// NewClient returns a client of eng.
func NewClient(eng Submitter) *Client {
	return &Client{eng: eng}
}

// Submit forwards req to the engine. It fails while this client still has a
// request in flight.
func (c *Client) Submit(req Request) error {
	if c.inflight {
		return ErrBusy
	}
	if err := c.eng.Submit(req); err != nil {
		return err
	}
	c.inflight = true
	return nil
}

// Poll returns the outcome on the tick the client's request finishes. A
// request the engine dropped without finishing (for example on bus reset)
// clears Inflight without reporting an outcome.
func (c *Client) Poll() (Outcome, bool) {
	if !c.inflight {
		return Outcome{}, false
	}
	if c.eng.Done() {
		c.inflight = false
		return c.eng.Outcome(), true
	}
	if !c.eng.Busy() {
		c.inflight = false
	}
	return Outcome{}, false
}

// Inflight reports whether a submitted request has not finished yet.
func (c *Client) Inflight() bool {
	return c.inflight
}

// Forget drops the in-flight request. Its outcome will be ignored.
func (c *Client) Forget() {
	c.inflight = false
}
