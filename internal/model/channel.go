package model

// Transport channels. Adapter selection in the scheduler is a plain switch
// over these values; there is one queue and worker pool per channel.
const (
	ChannelInApp    = "in_app"
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelWebPush  = "push"
)

// AllChannels lists every transport the planner expands an event into.
var AllChannels = []string{
	ChannelInApp,
	ChannelEmail,
	ChannelSMS,
	ChannelWhatsApp,
	ChannelWebPush,
}

// Adapter outcome statuses. "transient" entries are retried with backoff,
// "permanent" entries deactivate their target where applicable, "rejected"
// entries are dropped silently (the recipient unsubscribed between planning
// and sending).
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient_error"
	OutcomePermanent = "permanent_error"
	OutcomeRejected  = "rejected"
)
