package qnes

// msgs.go declares the messages that move through channels between quantum
// nodes and link controllers.  Requests and acks are routable: devices relay
// them hop by hop until they reach the named destination.  LLE notifications
// travel exactly one hop, from a link controller to an adjacent node.

// routable is implemented by packets that traverse multiple hops.  A node or
// link controller receiving a routable packet not addressed to it relays the
// packet out its other port.
type routable interface {
	Dest() string
}

// entReqMsg carries a request for one end-to-end entangled pair to the next
// node on its flow's path.  The request runtime state travels with it.
type entReqMsg struct {
	req  *request
	dest string // next node to process the request
}

func (erm *entReqMsg) Dest() string { return erm.dest }

// lleNotifyMsg reports a successful LLE attempt from a link controller to
// one adjacent node.  Both sides receive one; owner marks the side holding
// the oldest eligible request, which claims the pair and forwards.  reqID
// names the request that won arbitration when the attempt was made; the
// owner serves its oldest queued request of the flow, which is that one
// unless the queue changed while the notification was in flight.
type lleNotifyMsg struct {
	lleID    int64
	flowID   int
	reqID    int64
	owner    bool
	slot     slotRef // receiver's side of the pair
	peer     slotRef // far side of the pair
	genTime  float64
	fidelity float64 // pair fidelity at generation
}

// ackMsg confirms end-to-end completion of a request back to the flow
// origin.  The congestion mark is copied from the completed request.
type ackMsg struct {
	flowID    int
	reqID     int64
	genTime   float64
	congested bool
	dest      string
}

func (am *ackMsg) Dest() string { return am.dest }

// flowDeleteMsg tears a flow down along its path.  Every device it passes
// purges the flow's local state before relaying it onward.
type flowDeleteMsg struct {
	flowID int
	dest   string // last device on the flow's path
}

func (fdm *flowDeleteMsg) Dest() string { return fdm.dest }

// msgTypeStr names a message type for traces and logs
func msgTypeStr(msg any) string {
	switch msg.(type) {
	case *entReqMsg:
		return "entReq"
	case *lleNotifyMsg:
		return "lleNotify"
	case *ackMsg:
		return "ack"
	case *flowDeleteMsg:
		return "flowDelete"
	}
	return "unknown"
}
