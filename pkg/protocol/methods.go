package protocol

// RPC method name constants. The strings are the wire contract — never rename.

// Gateway-owned methods (handled in-process, never routed).
const (
	MethodRegister = "gateway.register"
	MethodStats    = "gateway.stats"
)

// Sessions service.
const (
	MethodSessionCreate      = "session.create"
	MethodSessionGet         = "session.get"
	MethodSessionUpdate      = "session.update"
	MethodSessionDelete      = "session.delete"
	MethodSessionList        = "session.list"
	MethodSessionAddMessage  = "session.addMessage"
	MethodSessionGetMessages = "session.getMessages"
)

// Agent service.
const (
	MethodAgentRun    = "agent.run"
	MethodAgentAbort  = "agent.abort"
	MethodAgentStatus = "agent.status"
	MethodAgentStats  = "agent.stats"
)

// Tool service.
const (
	MethodToolList     = "tool.list"
	MethodToolExecute  = "tool.execute"
	MethodToolDescribe = "tool.describe"
)

// Channel service.
const (
	MethodChannelSend   = "channel.send"
	MethodChannelStatus = "channel.status"
	MethodChannelList   = "channel.list"
)

// Cron service.
const (
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronUpdate = "cron.update"
	MethodCronRun    = "cron.run"
)
