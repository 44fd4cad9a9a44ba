package domain

// MessageBus routes messages between channels and the agent runtime.
type MessageBus interface {
	Publish(msg InternalMessage)
	Subscribe() <-chan InternalMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
