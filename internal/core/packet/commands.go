package packet

// Command identifies the operation a packet carries. Node-level commands are
// valid only with session ID 0; session and object commands require a
// non-zero session ID.
type Command uint32

// Node-level commands.
const (
	CmdNodeStop Command = iota
	CmdNodeConnect
	CmdNodeConnectReply
	CmdNodeMapSession
	CmdNodeMapSessionReply
	CmdNodeUnmapSession
	CmdNodeUnmapSessionReply
	CmdNodeGetConnDescription
	CmdNodeGetConnDescriptionReply

	// CmdNodeCustom is the first command code available to applications.
	// Codes below it are reserved for the core.
	CmdNodeCustom
)

// Session-level commands, handled by the addressed session.
const (
	CmdSessionMapObject Command = 0x100 + iota
	CmdSessionMapObjectReply
	CmdSessionUnmapObject
)

// Object-level commands, forwarded by the session to the addressed object.
const (
	CmdObjectInstance Command = 0x200 + iota
	CmdObjectDelta
	CmdBarrierEnter
	CmdBarrierEnterReply
)

func (c Command) String() string {
	switch c {
	case CmdNodeStop:
		return "node_stop"
	case CmdNodeConnect:
		return "node_connect"
	case CmdNodeConnectReply:
		return "node_connect_reply"
	case CmdNodeMapSession:
		return "node_map_session"
	case CmdNodeMapSessionReply:
		return "node_map_session_reply"
	case CmdNodeUnmapSession:
		return "node_unmap_session"
	case CmdNodeUnmapSessionReply:
		return "node_unmap_session_reply"
	case CmdNodeGetConnDescription:
		return "node_get_conn_description"
	case CmdNodeGetConnDescriptionReply:
		return "node_get_conn_description_reply"
	case CmdSessionMapObject:
		return "session_map_object"
	case CmdSessionMapObjectReply:
		return "session_map_object_reply"
	case CmdSessionUnmapObject:
		return "session_unmap_object"
	case CmdObjectInstance:
		return "object_instance"
	case CmdObjectDelta:
		return "object_delta"
	case CmdBarrierEnter:
		return "barrier_enter"
	case CmdBarrierEnterReply:
		return "barrier_enter_reply"
	default:
		if c >= CmdNodeCustom && c < 0x100 {
			return "node_custom"
		}
		return "unknown"
	}
}
