package router

// Event is the closed set of router notifications.
type Event interface {
	routerEvent()
}

// MessageReceived fires for every inbound message that passes the channel's
// access policy.
type MessageReceived struct {
	Message InboundMessage
}

// MessageProcessed fires after the handler ran without error. Reply is empty
// when the handler chose not to respond; Result is zero-valued in that case.
type MessageProcessed struct {
	Message InboundMessage
	Reply   string
	Result  SendResult
}

// MessageError fires when the handler fails or panics. The router never
// crashes on a handler fault.
type MessageError struct {
	Message InboundMessage
	Err     error
}

func (MessageReceived) routerEvent()  {}
func (MessageProcessed) routerEvent() {}
func (MessageError) routerEvent()     {}

// Listener receives router events. Panicking listeners are isolated.
type Listener func(Event)
