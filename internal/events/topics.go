package events

const (
	TopicLinkStatus     = "link.status"
	TopicPositionReport = "position.report"
	TopicRelayStats     = "relay.stats"
)
