package qnes

// channel.go implements the point-to-point channels that carry
// messages between quantum nodes and link controllers, and the
// interface those endpoints satisfy.

import (
	"fmt"
	"github.com/iti/evt/vrtime"
)

// a connectable is a simulation object that terminates channels.
// Quantum nodes and link controllers both satisfy it.
type connectable interface {
	devName() string                                 // every device has a unique name
	devNum() int                                     // every device has a unique integer id
	recv(evtMgr *EventManager, msg any, port string) // deliver a message arriving on the named port
}

// a chanEnd names one side of a channel: the device holding it and
// the port label that device knows the attachment by.
type chanEnd struct {
	dev  connectable
	port string
}

// a channel joins two fixed endpoints and carries messages between
// them with a constant one-way delay, in simulation time units.
// Both directions see the same delay.
type channel struct {
	name  string
	delay float64
	end   [2]chanEnd
}

// createChannel builds a channel attached to the named ports of two devices
func createChannel(name string, delay float64, devA connectable, portA string,
	devB connectable, portB string) *channel {

	if delay < 0.0 {
		panic(fmt.Errorf("channel %s given negative delay %f", name, delay))
	}
	ch := new(channel)
	ch.name = name
	ch.delay = delay
	ch.end[0] = chanEnd{dev: devA, port: portA}
	ch.end[1] = chanEnd{dev: devB, port: portB}
	return ch
}

// a chanDelivery carries a message in flight through a channel,
// remembering which end it is due to arrive at
type chanDelivery struct {
	endIdx int
	msg    any
}

// Send schedules delivery of msg to the endpoint opposite the sender,
// one channel delay from now.  Messages sent in order arrive in order
// because equal arrival times dispatch in schedule order.
func (ch *channel) Send(evtMgr *EventManager, from connectable, msg any) {
	var to int
	switch {
	case ch.end[0].dev == from:
		to = 1
	case ch.end[1].dev == from:
		to = 0
	default:
		panic(fmt.Errorf("channel %s: send from unattached device %s", ch.name, from.devName()))
	}
	evtMgr.Schedule(ch, chanDelivery{endIdx: to, msg: msg}, deliverMsg, vrtime.SecondsToTime(ch.delay))
}

// peerOf reports the device on the end of the channel opposite dev
func (ch *channel) peerOf(dev connectable) connectable {
	switch {
	case ch.end[0].dev == dev:
		return ch.end[1].dev
	case ch.end[1].dev == dev:
		return ch.end[0].dev
	}
	panic(fmt.Errorf("channel %s: device %s is not attached", ch.name, dev.devName()))
}

// deliverMsg hands a message that finished crossing a channel to the
// device on the receiving end
func deliverMsg(evtMgr *EventManager, context any, data any) any {
	ch := context.(*channel)
	dlv := data.(chanDelivery)
	end := ch.end[dlv.endIdx]
	end.dev.recv(evtMgr, dlv.msg, end.port)
	return nil
}
